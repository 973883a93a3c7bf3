package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/monitoring"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

var (
	modelDir    = flag.String("model", "", "Directory holding ulm.json and the weight files")
	weightAddr  = flag.String("weight-server", "", "Arrow Flight address to fetch weights from instead of the model directory")
	cacheDir    = flag.String("cache", "", "Directory for prepared-weight cache (default <model>/cache)")
	tokens      = flag.String("tokens", "", "Comma-separated prompt token ids (required)")
	numTokens   = flag.Int("n", 20, "Number of tokens to generate")
	threads     = flag.Int("threads", 4, "Backend worker threads")
	profileCSV  = flag.String("profile-csv", "", "Append per-operator timings to this CSV file")
	metricsAddr = flag.String("metrics", ":9090", "Address for the monitoring server")
	temperature = flag.Float64("temperature", 0.9, "Sampling temperature, 0 for greedy")
	topK        = flag.Int("top-k", 40, "Top-k sampling cutoff, 0 to disable")
	topP        = flag.Float64("top-p", 0.95, "Top-p nucleus sampling cutoff, 0 to disable")
	repPenalty  = flag.Float64("rep-penalty", 1.1, "Repetition penalty, 1 to disable")
	seed        = flag.Int64("seed", 0, "Sampler seed, 0 for time-based")
	logLevel    = flag.String("level", "info", "Log level: debug, info, warn, error")
)

// engineStatus adapts the engine to the monitoring status endpoint.
type engineStatus struct {
	u   *engine.Ulm
	cfg config.Model
}

func (s *engineStatus) Status() monitoring.EngineStatus {
	return monitoring.EngineStatus{
		State:          s.u.State().String(),
		Position:       s.u.Position(),
		SequenceLength: s.cfg.SeqLen,
		Tokens:         len(s.u.History()),
		Layers:         s.cfg.Layers,
		Backend:        "cpu-ref",
	}
}

func parseTokens(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("no prompt tokens given")
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad token id %q: %w", p, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")
	log := logger.Log

	if *modelDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -model flag is required")
		flag.Usage()
		os.Exit(1)
	}

	prompt, err := parseTokens(*tokens)
	if err != nil {
		log.Error("invalid -tokens flag", "error", err)
		os.Exit(1)
	}

	cfg, err := config.LoadModel(*modelDir + "/ulm.json")
	if err != nil {
		log.Error("failed to load model config", "error", err)
		os.Exit(1)
	}
	rcfg := config.Runtime{
		Threads:    *threads,
		Profiling:  *profileCSV != "",
		ProfileCSV: *profileCSV,
	}

	var src weights.Source
	if *weightAddr != "" {
		fs, err := weights.NewFlightSource(*weightAddr)
		if err != nil {
			log.Error("failed to connect to weight server", "error", err)
			os.Exit(1)
		}
		defer fs.Close()
		src = fs
	} else {
		ds, err := weights.NewDirSource(*modelDir)
		if err != nil {
			log.Error("failed to open model directory", "error", err)
			os.Exit(1)
		}
		src = ds
	}

	cache := *cacheDir
	if cache == "" {
		cache = *modelDir + "/cache"
	}

	loader, err := weights.NewLoader(src, cache, cfg)
	if err != nil {
		log.Error("failed to create weight loader", "error", err)
		os.Exit(1)
	}
	w, err := loader.LoadWeights(context.Background())
	if err != nil {
		log.Error("failed to load weights", "error", err)
		os.Exit(1)
	}

	sampler := engine.NewSampler(engine.SamplerConfig{
		Temperature: *temperature,
		TopK:        *topK,
		TopP:        *topP,
		RepPenalty:  *repPenalty,
		Seed:        *seed,
	})

	u, err := engine.NewUlm(cfg, rcfg, w, device.NewCPU(), sampler)
	if err != nil {
		log.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	defer u.Close()

	mon := monitoring.NewServer(&engineStatus{u: u, cfg: cfg})
	go func() {
		if err := mon.Start(*metricsAddr); err != nil {
			log.Warn("monitoring server stopped", "error", err)
		}
	}()
	defer mon.Stop(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	start := time.Now()
	if err := u.InitInputTokens(prompt); err != nil {
		log.Error("priming failed", "error", err)
		os.Exit(1)
	}
	log.Info("primed", "prompt_len", len(prompt), "duration", time.Since(start).String())

	decoded := make([]int, 0, *numTokens)
decode:
	for i := 0; i < *numTokens; i++ {
		select {
		case <-sigChan:
			log.Info("interrupt received, stopping decode")
			break decode
		default:
		}

		tok, err := u.GetNextToken()
		if errors.Is(err, engine.ErrSeqExhausted) {
			log.Info("sequence exhausted", "decoded", len(decoded))
			break
		}
		if err != nil {
			log.Error("decode failed", "error", err)
			os.Exit(1)
		}
		decoded = append(decoded, tok)
	}

	duration := time.Since(start)
	log.Info("generation complete",
		"tokens", len(decoded),
		"duration", duration.String(),
		"tokens_per_sec", fmt.Sprintf("%.2f", float64(len(decoded))/duration.Seconds()))

	out := make([]string, len(decoded))
	for i, id := range decoded {
		out[i] = strconv.Itoa(id)
	}
	fmt.Println(strings.Join(out, " "))
}
