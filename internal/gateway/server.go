package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/microbank/gateway/internal/config"
	"github.com/microbank/gateway/internal/logging"
)

// Server is the gateway HTTP server
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	watcher     *config.Watcher
	config      *config.Config // as started; the gateway holds the active one
	configPath  string
	startTime   time.Time

	reloadMu      sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer creates a new gateway server. configPath, when set, is the file
// reloaded on SIGHUP, on POST /reload and whenever it changes on disk.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	s := &Server{
		gateway:    gw,
		config:     cfg,
		configPath: configPath,
		startTime:  time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Listener.Address,
		Handler:           gw.Handler(),
		ReadTimeout:       cfg.Listener.ReadTimeout,
		WriteTimeout:      cfg.Listener.WriteTimeout,
		IdleTimeout:       cfg.Listener.IdleTimeout,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Listener.MaxHeaderBytes,
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           s.adminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if configPath != "" {
		w, err := config.NewWatcher(configPath)
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("failed to watch config: %w", err)
		}
		w.OnChange(func(newCfg *config.Config) {
			s.applyReload(newCfg)
		})
		s.watcher = w
	}

	return s, nil
}

// Run serves until SIGINT or SIGTERM, reloading on SIGHUP.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve runs the public and admin listeners until ctx is done or one of
// them fails, then shuts both down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("starting gateway listener", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway listener: %w", err)
		}
		return nil
	})

	if s.adminServer != nil {
		g.Go(func() error {
			logging.Info("starting admin API", zap.String("address", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin listener: %w", err)
			}
			return nil
		})
	}

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logging.Warn("config file watching disabled", zap.Error(err))
		}
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				logging.Info("received SIGHUP, reloading config")
				s.ReloadConfig()
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown(s.gateway.Config().Listener.ShutdownTimeout)
	})

	return g.Wait()
}

// Shutdown stops accepting requests, waits up to timeout for in-flight ones,
// and releases the gateway.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logging.Info("shutting down gateway", zap.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher: %w", err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway listener: %w", err))
	}
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin listener: %w", err))
		}
	}
	if err := s.gateway.Close(); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}

	return errors.Join(errs...)
}

// ReloadConfig reloads the config file the server was started with.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		result := ReloadResult{Timestamp: time.Now(), Error: "no config file to reload"}
		s.appendReloadHistory(result)
		return result
	}

	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		logging.Error("config reload failed", zap.Error(err))
		result := ReloadResult{Timestamp: time.Now(), Error: err.Error()}
		s.appendReloadHistory(result)
		return result
	}

	return s.applyReload(cfg)
}

// applyReload swaps in an already validated configuration.
func (s *Server) applyReload(cfg *config.Config) ReloadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	result := s.gateway.Reload(cfg)
	s.appendReloadHistoryLocked(result)
	return result
}

func (s *Server) appendReloadHistory(result ReloadResult) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.appendReloadHistoryLocked(result)
}

func (s *Server) appendReloadHistoryLocked(result ReloadResult) {
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > maxReloadHistory {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-maxReloadHistory:]
	}
}

// ReloadHistory returns the most recent reload outcomes, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	out := make([]ReloadResult, len(s.reloadHistory))
	copy(out, s.reloadHistory)
	return out
}

// Gateway returns the underlying gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}
