package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deadcodehq/scavenger/pkg/api"
	"github.com/pkg/errors"
)

const (
	DefaultPort       = 2000
	DefaultGCInterval = time.Hour
)

const minPollingInterval = 15 * time.Second
const minMethodRetention = 24 * time.Hour

type ServerConfig struct {
	Port            uint16        // listen port of this server
	PollingInterval time.Duration // expected agent heartbeat interval, at least 15s
	DeadMargin      time.Duration // extra slack before a late agent counts as dead
	MethodRetention time.Duration // how long an unseen method is kept, at least 1 day
	MethodSweepLag  time.Duration // how far the method sweep trails the mark
	GCInterval      time.Duration // period of the collection cycle, at least 1 minute
	MysqlHost       string
}

func (s ServerConfig) String() string {
	marshal, _ := json.Marshal(s)
	return string(marshal)
}

func (config *ServerConfig) Complete() error {
	if config.Port < 1024 {
		return fmt.Errorf("port must be between 1024 and 65535, got %d", config.Port)
	}

	if config.PollingInterval < minPollingInterval {
		return fmt.Errorf("polling interval must be at least %s, got %s", minPollingInterval, config.PollingInterval)
	}

	if config.DeadMargin < 0 {
		return fmt.Errorf("dead margin must not be negative, got %s", config.DeadMargin)
	}

	if config.MethodRetention < minMethodRetention {
		return fmt.Errorf("method retention must be at least %s, got %s", minMethodRetention, config.MethodRetention)
	}

	if config.MethodSweepLag == 0 {
		config.MethodSweepLag = DefaultMethodSweepLag
	}

	if config.GCInterval == 0 {
		config.GCInterval = DefaultGCInterval
	} else if config.GCInterval < time.Minute {
		return fmt.Errorf("gc interval must be at least 1 minute, got %s", config.GCInterval)
	}

	if config.MysqlHost == "" {
		config.MysqlHost = fmt.Sprintf("%s:%s",
			os.Getenv("MYSQL_SERVICE_HOST"), os.Getenv("MYSQL_SERVICE_PORT"))
	}

	return nil
}

type Server interface {
	Start() error
}

func NewServer(config *ServerConfig) (Server, error) {
	if err := config.Complete(); err != nil {
		return nil, err
	}

	dao, err := NewDao(config.MysqlHost)
	if err != nil {
		return nil, err
	}

	gc := NewGarbageCollector(dao, IntervalPolicy{
		PollingInterval: config.PollingInterval,
		DeadMargin:      config.DeadMargin,
		MethodRetention: config.MethodRetention,
	})
	gc.methodSweepLag = config.MethodSweepLag

	return &serverImpl{
		config:    config,
		dao:       dao,
		gc:        gc,
		logger:    log.New(os.Stdout, "collector server: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
		executeGC: make(chan struct{}),
	}, nil
}

type serverImpl struct {
	config    *ServerConfig
	dao       Dao
	gc        *GarbageCollector
	logger    *log.Logger
	executeGC chan struct{}
}

func (s *serverImpl) Start() error {
	rootCtx, cancel := context.WithCancel(context.Background())

	s.logger.Printf("server starting, config: %v\n", s.config)

	go s.gcRunner(rootCtx)

	server := s.buildServer()
	errCh := make(chan error)
	go s.serve(server, errCh)

	termSigChan := make(chan os.Signal, 1)
	signal.Notify(termSigChan, syscall.SIGTERM, syscall.SIGINT)

	<-termSigChan
	if err := server.Shutdown(rootCtx); err != nil {
		cancel()
		return errors.Wrap(err, "failed to shut down HTTP server")
	}
	cancel()

	if err := <-errCh; err != nil {
		return errors.Wrap(err, "HTTP server terminated with error")
	}

	return nil
}

func (s *serverImpl) buildServer() *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/poll", func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		pollRequest := &api.PollRequest{}
		if err := json.NewDecoder(request.Body).Decode(pollRequest); err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}

		response, err := s.Poll(pollRequest)
		if errors.Is(err, ErrInvalidPollRequest) {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		} else if err != nil {
			http.Error(writer, err.Error(), http.StatusInternalServerError)
			return
		}

		marshal, err := json.Marshal(response)
		if err != nil {
			http.Error(writer, err.Error(), http.StatusInternalServerError)
			return
		}

		writer.Header().Set("Content-Type", "application/json")
		_, err = writer.Write(marshal)
		if err != nil {
			http.Error(writer, err.Error(), http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("/gc", func(writer http.ResponseWriter, request *http.Request) {
		s.TriggerCollection()
		_, _ = writer.Write([]byte("OK"))
	})

	mux.HandleFunc("/healthz", func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: mux,
	}
	return srv
}

func (s *serverImpl) serve(server *http.Server, errCh chan<- error) {
	s.logger.Printf("API server starting")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		errCh <- err
	}

	s.logger.Printf("API server stopped")
	errCh <- nil
}
