package routing

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promapiv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	prommodel "github.com/prometheus/common/model"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/logger"
)

type promRoundTripper struct {
	token        string
	roundTripper http.RoundTripper
}

func (rt *promRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("authorization", "Bearer "+rt.token)
	return rt.roundTripper.RoundTrip(req)
}

// HealthWatcher polls Prometheus for per-model health policies and flips
// model availability in the router. Models without a health policy are
// never touched.
type HealthWatcher struct {
	api      promapiv1.API
	router   *ModelRouter
	interval time.Duration

	logger   *logger.Logger
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewHealthWatcher starts one worker per model carrying a health policy.
// Returns nil when no Prometheus endpoint is configured; callers treat a
// nil watcher as "always available".
func NewHealthWatcher(appConfig *config.Config, log *logger.Logger, router *ModelRouter) *HealthWatcher {
	if appConfig.HealthPrometheusURL == "" {
		log.Warn("health Prometheus URL not configured - not starting model health watcher")
		return nil
	}

	promCfg := promapi.Config{
		Address: appConfig.HealthPrometheusURL,
	}

	if appConfig.HealthPrometheusToken != "" {
		promCfg.RoundTripper = &promRoundTripper{
			token:        appConfig.HealthPrometheusToken,
			roundTripper: http.DefaultTransport,
		}
	}

	client, err := promapi.NewClient(promCfg)
	if err != nil {
		log.Error("failed to initialize Prometheus API client", slog.String("error", err.Error()))
		return nil
	}

	w := &HealthWatcher{
		api:      promapiv1.NewAPI(client),
		router:   router,
		interval: appConfig.HealthCheckInterval,

		logger:   log.WithComponent("model_health"),
		shutdown: make(chan struct{}),
	}

	// Launch a worker for every catalog model that carries a health policy.
	for _, route := range router.GetRoutes() {
		if route.Model.Health == nil {
			continue
		}

		worker := &healthWorker{
			watcher: w,
			model:   route.Model.ID,
			policy:  route.Model.Health,
		}

		w.wg.Add(1)
		go worker.run()
	}

	return w
}

func (w *HealthWatcher) Shutdown() {
	if w == nil {
		return
	}

	close(w.shutdown)
	w.wg.Wait()
}

// healthWorker drives the trigger/recover state machine for one model.
type healthWorker struct {
	watcher *HealthWatcher

	model  string
	policy *config.HealthPolicyConfig

	triggered bool
}

func (w *healthWorker) run() {
	defer w.watcher.wg.Done()

	w.watcher.logger.Info("started model health worker", slog.String("model", w.model))
	defer w.watcher.logger.Info("stopped model health worker", slog.String("model", w.model))

	nextRunTime := time.Now()

	for {
		select {
		case <-time.After(time.Until(nextRunTime)):
			nextRunTime = w.check(w.watcher.api, time.Now())
			if nextRunTime.IsZero() {
				return
			}
		case <-w.watcher.shutdown:
			return
		}
	}
}

// promQueryAPI is an interface emulating a Prometheus Query API client.
// Enables tests to emulate specific results of PromQL queries.
type promQueryAPI interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...promapiv1.Option) (prommodel.Value, promapiv1.Warnings, error)
}

// promQueryResult is a convenience struct to send the result of a Prometheus query over a channel.
type promQueryResult struct {
	value    prommodel.Value
	warnings promapiv1.Warnings
	err      error
}

// check runs one evaluation of the health policy for the model.
//
// In the healthy state the trigger query is evaluated; a non-empty vector
// with a value >= 1 marks the model unavailable. In the triggered state the
// recover query is evaluated the same way to mark it available again. After
// a state change the worker sleeps for the state's dwell time (hysteresis);
// otherwise it runs again after the default check interval.
//
// Returns the time of the next run, or the zero time to stop the worker.
func (w *healthWorker) check(api promQueryAPI, now time.Time) time.Time {
	nextRunTime := now.Add(w.watcher.interval)

	var query string
	if w.triggered {
		query = w.policy.Recover.Query
	} else {
		query = w.policy.Trigger.Query
	}

	// Execute the PromQL query asynchronously so it does not block shutdown.
	var res promQueryResult
	resChan := make(chan promQueryResult)

	ctx, cancel := context.WithTimeout(context.Background(), w.watcher.interval)
	defer cancel()

	go func() {
		result, warnings, err := api.Query(ctx, query, now)
		resChan <- promQueryResult{result, warnings, err}
	}()

	select {
	case res = <-resChan:
		if res.err != nil {
			w.watcher.logger.Error("failed to fetch health metrics",
				slog.Bool("triggered", w.triggered),
				slog.String("model", w.model),
				slog.String("error", res.err.Error()))
			return nextRunTime
		}

		if len(res.warnings) > 0 {
			w.watcher.logger.Warn("warnings when fetching health metrics",
				slog.Bool("triggered", w.triggered),
				slog.String("model", w.model),
				slog.String("warnings", strings.Join(res.warnings, "; ")))
		}
	case <-w.watcher.shutdown:
		return time.Time{}
	}

	val, ok := res.value.(prommodel.Vector)
	if !ok {
		w.watcher.logger.Error("incorrect health query returning non-vector",
			slog.Bool("triggered", w.triggered),
			slog.String("model", w.model))
		return time.Time{}
	}

	// Empty result or 0 in the result mean no state change.
	if len(val) == 0 || val[0].Value < 1 {
		return nextRunTime
	}

	if w.triggered {
		w.triggered = false

		dwellTime := w.policy.Recover.DwellTime
		if dwellTime == 0 {
			dwellTime = w.watcher.interval
		}
		nextRunTime = now.Add(dwellTime)

		w.watcher.router.MarkAvailable(w.model)
		w.watcher.logger.Info("model recovered",
			slog.String("model", w.model),
			slog.String("dwell_until", nextRunTime.Format(time.RFC3339)))
	} else {
		w.triggered = true

		dwellTime := w.policy.Trigger.DwellTime
		if dwellTime == 0 {
			dwellTime = w.watcher.interval
		}
		nextRunTime = now.Add(dwellTime)

		w.watcher.router.MarkUnavailable(w.model)
		w.watcher.logger.Info("model marked unavailable",
			slog.String("model", w.model),
			slog.String("dwell_until", nextRunTime.Format(time.RFC3339)))
	}

	return nextRunTime
}
