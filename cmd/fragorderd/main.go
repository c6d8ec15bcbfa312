package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"fragorder/internal/config"
	"fragorder/internal/domain"
	"fragorder/internal/evbclient"
	"fragorder/internal/feeder"
	"fragorder/internal/fragment"
	"fragorder/internal/logging"
	"fragorder/internal/merge"
	"fragorder/internal/orderer"
	"fragorder/internal/portmanager"
	"fragorder/internal/storage/sqlite"
	"fragorder/internal/tap/kafka"
	"fragorder/internal/tap/rabbitmq"
)

func main() {
	cfgPath := flag.String("config", "fragorder.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Mode {
	case config.ModeFeed:
		err = feed(ctx, cfg, logger)
	default:
		err = serve(ctx, cfg, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalw("fragorderd stopped", "mode", cfg.Mode, "error", err)
	}
}

// taps builds the configured outbound sinks. The returned closer releases
// them all.
func taps(ctx context.Context, cfg config.TapConfig, logger *zap.SugaredLogger) ([]merge.Sink, func() error, error) {
	var sinks []merge.Sink
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	if cfg.Kafka.Enabled {
		k, err := kafka.NewSink(kafka.Config{
			Enabled:      true,
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			ClientID:     cfg.Kafka.ClientID,
			BarriersOnly: cfg.Kafka.BarriersOnly,
			Linger:       cfg.Kafka.Linger,
			TLS:          kafka.TLSConfig{Enabled: cfg.Kafka.TLS},
		}, []kafka.Option{kafka.WithLogger(logger)})
		if err != nil {
			return nil, closeAll, err
		}
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	if cfg.RabbitMQ.Enabled {
		p, err := rabbitmq.NewPublisher(rabbitmq.Config{
			Enabled:       true,
			URL:           cfg.RabbitMQ.URL,
			Endpoints:     cfg.RabbitMQ.Endpoints,
			Exchange:      cfg.RabbitMQ.Exchange,
			RoutingPrefix: cfg.RabbitMQ.RoutingPrefix,
			Persistent:    cfg.RabbitMQ.Persistent,
			Auth:          rabbitmq.AuthConfig{Username: cfg.RabbitMQ.Username, Password: cfg.RabbitMQ.Password},
		}, rabbitmq.WithLogger(logger))
		if err != nil {
			return nil, closeAll, err
		}
		if err := p.Start(ctx); err != nil {
			return nil, closeAll, err
		}
		sinks = append(sinks, p)
		closers = append(closers, p.Close)
	}
	return sinks, closeAll, nil
}

// portManager builds the port manager client. Host is where allocations
// are made; lookups go to the orderer's host.
func portManager(cfg config.PortManagerConfig) *portmanager.Client {
	pm := portmanager.NewClient(cfg.Port, cfg.Timeout)
	if cfg.Host != "" {
		pm.LocalHost = cfg.Host
	}
	return pm
}

func serve(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) error {
	journal, err := sqlite.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	sinks, closeTaps, err := taps(ctx, cfg.Tap, logger)
	defer func() {
		if err := closeTaps(); err != nil {
			logger.Warnw("close taps", "error", err)
		}
	}()
	if err != nil {
		return err
	}
	osinks := make([]orderer.Sink, len(sinks))
	for i, s := range sinks {
		osinks[i] = s
	}

	addr := cfg.Server.Address
	if cfg.PortManager.Advertise {
		pm := portManager(cfg.PortManager)
		name := evbclient.ServiceName(cfg.Server.User, cfg.Server.Instance)
		port, reservation, err := pm.Allocate(ctx, name, cfg.Server.User)
		if err != nil {
			return fmt.Errorf("allocate port for %s: %w", name, err)
		}
		defer reservation.Close()
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("server.address: %w", err)
		}
		addr = net.JoinHostPort(host, strconv.Itoa(port))
		logger.Infow("advertised orderer", "service", name, "port", port)
	}

	srv := orderer.NewServer(orderer.Config{
		Address:        addr,
		MaxConnections: cfg.Server.MaxConnections,
		IdleTimeout:    cfg.Server.IdleTimeout,
	}, orderer.NewDispatcher(journal, logger, osinks...), orderer.WithLogger(logger))
	return srv.Start(ctx)
}

func feed(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) error {
	extractor, err := fragment.ExtractorByName(cfg.Adapter.TimestampExtractor)
	if err != nil {
		return err
	}
	var sources []domain.SourceID = cfg.Adapter.ValidSources
	f, err := feeder.New(feeder.Config{
		RingCapacity: cfg.Ring.Capacity,
		Adapter: fragment.Config{
			BodyHeaders:     cfg.Adapter.BodyHeaders,
			Extractor:       extractor,
			DefaultSourceID: cfg.Adapter.DefaultSourceID,
			TimestampOffset: cfg.Adapter.TimestampOffset,
			GrowBy:          cfg.Adapter.GrowBy,
		},
		ValidSources:  sources,
		EndsExpected:  cfg.Adapter.EndsExpected,
		EndTimeout:    cfg.Adapter.EndTimeout,
		PollInterval:  cfg.Ring.PollInterval,
		PollsPerCheck: cfg.Ring.PollsPerCheck,
	}, logger)
	if err != nil {
		return err
	}

	inputs, closeInputs, err := openInputs(cfg.Ring.Inputs)
	if err != nil {
		return err
	}
	defer closeInputs()

	port := cfg.Orderer.Port
	if port == 0 {
		pm := portManager(cfg.PortManager)
		port, err = evbclient.Lookup(ctx, pm, cfg.Orderer.Host, cfg.Orderer.User, cfg.Orderer.Instance)
		if err != nil {
			return err
		}
	}
	client := evbclient.New(evbclient.Config{
		Host:        cfg.Orderer.Host,
		Port:        port,
		DialTimeout: cfg.Orderer.DialTimeout,
		IOTimeout:   cfg.Orderer.IOTimeout,
	}, evbclient.WithLogger(logger))
	defer client.Close()
	if err := client.Connect(ctx, cfg.Orderer.Description, sources); err != nil {
		return err
	}

	batch := evbclient.NewBatchSink(client, cfg.Orderer.BatchSize)
	tapSinks, closeTaps, err := taps(ctx, cfg.Tap, logger)
	defer func() {
		if err := closeTaps(); err != nil {
			logger.Warnw("close taps", "error", err)
		}
	}()
	if err != nil {
		return err
	}
	sink := append(merge.MultiSink{batch}, tapSinks...)

	rep, err := f.Run(ctx, inputs, sink)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return err
	}
	if err := sink.Flush(ctx); err != nil {
		return err
	}
	logger.Infow("feed complete", "emitted", rep.Emitted, "submitted", batch.Sent(),
		"missing_begins", rep.MissingBegins, "missing_ends", rep.MissingEnds)
	return client.Disconnect(ctx)
}

func openInputs(paths []string) ([]io.Reader, func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	readers := make([]io.Reader, 0, len(paths))
	for _, p := range paths {
		if p == "-" {
			readers = append(readers, os.Stdin)
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open input: %w", err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}
	return readers, closeAll, nil
}
