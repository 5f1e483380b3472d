// Command iconsub runs subscriptions declared in a YAML config file and
// logs every delivered message, exposing health and control endpoints the
// way the teacher simulator's main.go exposes its control endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/icon-project/iconsub/internal/codec"
	"github.com/icon-project/iconsub/internal/config"
	"github.com/icon-project/iconsub/internal/filter"
	"github.com/icon-project/iconsub/internal/metrics"

	iconsub "github.com/icon-project/iconsub"
)

// logPublisher forwards every delivered message to the standard logger;
// it is the daemon's default sink when no richer downstream is wired in.
type logPublisher struct{}

func (logPublisher) Publish(channel string, message interface{}) {
	log.Printf("iconsub: [%s] %+v", channel, message)
}

// controlResponse mirrors the teacher simulator's ControlResponse shape.
type controlResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func jsonResponse(w http.ResponseWriter, status int, response interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func main() {
	configPath := flag.String("config", "iconsub.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("iconsub: load config: %v", err)
	}

	m := metrics.New()
	client := iconsub.NewClient(iconsub.ClientOptions{
		Endpoint:   cfg.Endpoint,
		WSEndpoint: cfg.WSEndpoint,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		Backoff:    cfg.BackoffTuning(),
		Metrics:    m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, subCfg := range cfg.Subscriptions {
		opts, err := toSubscribeOptions(subCfg)
		if err != nil {
			log.Fatalf("iconsub: subscription %q: %v", subCfg.Channel, err)
		}
		handle, err := client.Subscribe(ctx, opts)
		if err != nil {
			log.Fatalf("iconsub: subscribe %q: %v", subCfg.Channel, err)
		}
		log.Printf("iconsub: started subscription %q as %s", subCfg.Channel, handle)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, controlResponse{Success: true, Message: "ok"})
	})
	mux.HandleFunc("/control/subscriptions/list", func(w http.ResponseWriter, r *http.Request) {
		handles := client.ActiveSubscriptions()
		states := make(map[string]string, len(handles))
		for _, h := range handles {
			state, err := client.State(h)
			if err != nil {
				continue
			}
			states[h.String()] = string(state)
		}
		jsonResponse(w, http.StatusOK, states)
	})
	mux.HandleFunc("/control/subscriptions/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			jsonResponse(w, http.StatusMethodNotAllowed, controlResponse{Success: false, Message: "method not allowed"})
			return
		}
		var req struct {
			Handle string `json:"handle"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonResponse(w, http.StatusBadRequest, controlResponse{Success: false, Message: "invalid request body"})
			return
		}
		for _, h := range client.ActiveSubscriptions() {
			if h.String() == req.Handle {
				if err := client.Unsubscribe(h); err != nil {
					jsonResponse(w, http.StatusInternalServerError, controlResponse{Success: false, Message: err.Error()})
					return
				}
				jsonResponse(w, http.StatusOK, controlResponse{Success: true, Message: "stopped"})
				return
			}
		}
		jsonResponse(w, http.StatusNotFound, controlResponse{Success: false, Message: "unknown subscription handle"})
	})

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Printf("iconsub: serving /metrics, /healthz, /control on %s", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("iconsub: http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("iconsub: shutting down")
	client.Close()
	_ = srv.Close()
}

func toSubscribeOptions(subCfg config.SubscriptionConfig) (iconsub.SubscribeOptions, error) {
	source := iconsub.SourceBlock
	if subCfg.Source == "event" {
		source = iconsub.SourceEvent
	}

	var resumeHeight *big.Int
	if subCfg.ResumeHeight != "" && subCfg.ResumeHeight != "latest" {
		parsed, ok := new(big.Int).SetString(subCfg.ResumeHeight, 10)
		if !ok {
			return iconsub.SubscribeOptions{}, fmt.Errorf("invalid resume_height %q", subCfg.ResumeHeight)
		}
		resumeHeight = parsed
	}

	filters := make([]filter.EventFilter, 0, len(subCfg.Filters))
	for _, f := range subCfg.Filters {
		ef := filter.EventFilter{
			EventSignature: f.Event,
			Indexed:        f.Indexed,
			Data:           f.Data,
		}
		if f.Address != "" {
			addr, err := codec.LoadContractAddress(f.Address)
			if err != nil {
				return iconsub.SubscribeOptions{}, fmt.Errorf("filter %q: invalid address: %w", f.Event, err)
			}
			ef.Address = &addr
		}
		filters = append(filters, ef)
	}

	return iconsub.SubscribeOptions{
		Channel:       subCfg.Channel,
		Source:        source,
		ResumeHeight:  resumeHeight,
		MaxBufferSize: subCfg.MaxBufferSize,
		Filters:       filters,
		Publisher:     logPublisher{},
	}, nil
}
