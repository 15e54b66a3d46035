package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"localshare/config"
	"localshare/discovery"
	"localshare/engine"
	"localshare/eventbus"
	"localshare/ingest"
	"localshare/sender"
	"localshare/storage"
	"localshare/transfer"
)

func main() {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		log.Fatalf("startup failed while resolving data directory: %v", err)
	}

	bus := eventbus.New()
	cfgStore, err := config.Open(dataDir, bus)
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	identity := cfgStore.Identity()

	fmt.Printf("Alias: %s\n", identity.Alias)
	fmt.Printf("Listening Port: %d\n", identity.Port)
	fmt.Printf("Fingerprint: %s\n", identity.Fingerprint)
	fmt.Printf("Data Directory: %s\n", dataDir)

	store, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening history database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("storage: close error: %v", err)
		}
	}()

	coordinator := transfer.New(transfer.Options{
		Bus:  bus,
		Sink: store,
	})

	downloadDir := cfgStore.Current().DownloadDir
	identityProvider := func() ingest.Identity {
		id := cfgStore.Identity()
		return ingest.Identity{Alias: id.Alias, Fingerprint: id.Fingerprint}
	}
	ingestServer := ingest.New(fmt.Sprintf(":%d", identity.Port), downloadDir, coordinator, identityProvider)
	if err := ingestServer.Start(); err != nil {
		log.Fatalf("startup failed while starting ingest server: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ingestServer.Stop(ctx)
	}()
	fmt.Printf("Ingest Server: listening on %s\n", ingestServer.Addr())

	senderClient := sender.New(coordinator)

	discoveryCfg := discovery.Config{
		Alias:           identity.Alias,
		ListeningPort:   identity.Port,
		SelfFingerprint: identity.Fingerprint,
	}
	discoveryService, err := startDiscovery(discoveryCfg, bus)
	if err != nil {
		log.Printf("discovery: startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery: running")
	}

	go logTransferEvents(coordinator.Bus())

	eng := engine.New(cfgStore, discoveryService, coordinator, ingestServer, senderClient)
	go rebindOnAliasChange(bus, discoveryService)
	fmt.Printf("Engine: ready, alias=%s\n", eng.GetSettings().Alias)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status: running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status: shutting down")
}

// startDiscovery wires a discovery.Service whose scanner publishes
// peers-update onto bus, same shape as discovery.Start but threading the
// onUpdate callback through (discovery.Start itself does not expose one).
func startDiscovery(cfg discovery.Config, bus *eventbus.Bus) (*discovery.Service, error) {
	broadcaster, err := discovery.StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	onUpdate := func(peers []discovery.Peer) {
		bus.Publish(eventbus.Topic(discovery.EventPeersUpdate), peers)
	}
	scanner, err := discovery.NewPeerScanner(cfg, onUpdate)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &discovery.Service{Broadcaster: broadcaster, Scanner: scanner}, nil
}

// rebindOnAliasChange re-registers discovery's mDNS broadcast whenever
// config publishes alias-changed, so peers see the new name without a
// process restart.
func rebindOnAliasChange(bus *eventbus.Bus, discoveryService *discovery.Service) {
	ch := bus.Subscribe(config.TopicAliasChanged, eventbus.Lossless, 4)
	for event := range ch {
		alias, ok := event.(string)
		if !ok {
			continue
		}
		if err := discoveryService.Rebind(alias); err != nil {
			log.Printf("discovery: rebind after alias change failed: %v", err)
		}
	}
}

func logTransferEvents(bus *eventbus.Bus) {
	topics := []eventbus.Topic{
		transfer.TopicFileTransferRequest,
		transfer.TopicFileTransferRejected,
		transfer.TopicFileTransferTimeout,
		transfer.TopicFileReceiveStart,
		transfer.TopicFileReceiveComplete,
		transfer.TopicFileReceiveError,
		transfer.TopicFileSendError,
		transfer.TopicMessageReceived,
	}
	for _, topic := range topics {
		ch := bus.Subscribe(topic, eventbus.Lossless, 16)
		go func(topic eventbus.Topic, ch <-chan any) {
			for event := range ch {
				log.Printf("transfer: %s %+v", topic, event)
			}
		}(topic, ch)
	}
}

