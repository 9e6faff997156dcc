package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/backend"
	"github.com/ReiletaI/callguard/internal/config"
	"github.com/ReiletaI/callguard/internal/logging"
	"github.com/ReiletaI/callguard/internal/media"
	"github.com/ReiletaI/callguard/internal/metrics"
	"github.com/ReiletaI/callguard/internal/report"
	"github.com/ReiletaI/callguard/internal/session"
	"github.com/ReiletaI/callguard/internal/signaling"
	"github.com/ReiletaI/callguard/internal/transport"
	"github.com/ReiletaI/callguard/internal/ui"
)

// Runtime is everything a coordinator needs, built from config.
type Runtime struct {
	Config  *config.Config
	Log     *zap.Logger
	Channel signaling.Channel
	Peers   *transport.Manager
	Backend *backend.Client
	Sink    backend.RecordingSink

	closers []func() error
}

// NewRuntime loads config, starts logging and connects to signaling.
func NewRuntime(ctx context.Context) (*Runtime, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Init(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	rt := &Runtime{Config: cfg, Log: log}
	rt.closers = append(rt.closers, func() error { _ = log.Sync(); return nil })

	stop := ui.RunConnectionSpinner("Connecting to signaling...")
	ch, err := connectSignaling(ctx, cfg, log)
	stop()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Channel = ch
	rt.closers = append(rt.closers, ch.Close)

	rt.Peers, err = transport.NewManager(transport.Config{ICEServers: cfg.STUNServers}, log.Named("transport"))
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { rt.Peers.Close(); return nil })

	rt.Backend = backend.NewClient(cfg.Backend.URL, cfg.Backend.Timeout, log.Named("backend"))
	rt.Sink, err = recordingSink(ctx, cfg, rt.Backend, log)
	if err != nil {
		rt.Close()
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, log)
	}
	return rt, nil
}

func connectSignaling(ctx context.Context, cfg *config.Config, log *zap.Logger) (signaling.Channel, error) {
	switch cfg.Signaling.Driver {
	case config.DriverRelay:
		r, err := signaling.DialRelay(ctx, cfg.Signaling.RelayURL, log.Named("relay"))
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		fs, err := signaling.NewFirestore(ctx, signaling.FirestoreConfig{
			ProjectID:       cfg.Firebase.ProjectID,
			CredentialsFile: cfg.Firebase.Credentials,
		}, log.Named("firestore"))
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
}

func recordingSink(ctx context.Context, cfg *config.Config, client *backend.Client, log *zap.Logger) (backend.RecordingSink, error) {
	if cfg.Recording.Sink != config.SinkMinIO {
		return client, nil
	}
	archive, err := backend.NewArchive(ctx, backend.ArchiveConfig{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
	}, log.Named("archive"))
	if err != nil {
		return nil, fmt.Errorf("open recording archive: %w", err)
	}
	return archive, nil
}

func audioSource(cfg *config.Config, log *zap.Logger) media.Source {
	switch cfg.Audio.Source {
	case config.AudioSilence:
		return media.SilenceSource{}
	case config.AudioFile:
		return media.FileSource{Path: cfg.Audio.File, Log: log}
	default:
		return media.Microphone{Log: log}
	}
}

// NewCoordinator builds a coordinator for role on top of the runtime.
func (rt *Runtime) NewCoordinator(role session.Role, agentName string) *session.Coordinator {
	cfg := rt.Config
	if agentName == "" {
		agentName = cfg.Session.AgentUsername
	}
	log := rt.Log.Named("session")

	return session.New(session.Config{
		Role:               role,
		AgentUsername:      agentName,
		StaleAfter:         cfg.Session.StaleAfter,
		RearmDelay:         cfg.Session.RearmDelay,
		RetryDelay:         cfg.Session.RetryDelay,
		NegotiationTimeout: cfg.Session.NegotiationTimeout,
		SegmentLength:      cfg.Recording.SegmentLength,
		SegmentRearm:       cfg.Recording.SegmentRearm,
		FlushWait:          cfg.Recording.FlushWait,
	}, session.Deps{
		Channel: rt.Channel,
		Open: func(ctx context.Context) (session.Peer, error) {
			peer, err := rt.Peers.Open(ctx)
			if err != nil {
				return nil, err
			}
			return peer, nil
		},
		Media:       audioSource(cfg, rt.Log.Named("media")),
		Transcriber: rt.Backend,
		Recordings:  rt.Sink,
		Reporter:    report.New(rt.Backend, rt.Log.Named("report")),
		Logger:      log,
	})
}

// Close releases the runtime in reverse order of construction.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.Log.Warn("close failed", zap.Error(err))
		}
	}
}

func serveMetrics(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("serving metrics", zap.String("addr", addr))
}

// RunCoordinator drives coord with the console (or plain output) until the
// user quits, then prints what happened.
func RunCoordinator(ctx context.Context, coord *session.Coordinator, role session.Role, name string, plain bool, start func() error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx) }()

	if start != nil {
		if err := start(); err != nil {
			cancel()
			<-coord.Done()
			return err
		}
	}

	var console *ui.Console
	if plain {
		console = ui.RunPlain(ctx, coord, role, name, os.Stdout)
	} else {
		var err error
		console, err = ui.RunConsole(ctx, coord, role, name)
		if err != nil {
			cancel()
			<-coord.Done()
			return err
		}
	}

	ending := ui.RunSpinner("Hanging up...")
	cancel()
	<-coord.Done()
	ending()
	if err := <-runErr; err != nil {
		return err
	}

	printCalls(console)
	if msg := console.LastError(); msg != "" && !role.AutoRearm {
		return errors.New(msg)
	}
	return nil
}

func printCalls(console *ui.Console) {
	calls := console.Calls()
	if len(calls) == 0 {
		return
	}
	fmt.Println()
	ui.RenderCallHistory(calls)

	last := calls[len(calls)-1]
	if len(last.Entries) > 0 {
		fmt.Println()
		ui.RenderTranscript(last.RoomID, last.Entries)
	}
}
