package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_tasks_submitted_total", Help: "Task records submitted"})
	TasksClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_tasks_claimed_total", Help: "Tasks claimed by managers"})
	TasksReturned     = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_tasks_returned_total", Help: "Task results accepted"})
	TasksRejected     = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_tasks_rejected_total", Help: "Task results rejected on return"})
	TasksReset        = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_tasks_reset_total", Help: "Tasks released back to waiting after manager loss"})
	ServiceIterations = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_service_iterations_total", Help: "Service iterations executed"})
	ServiceErrors     = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_service_errors_total", Help: "Services finalized as errored"})
	InternalJobsRun   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_internal_jobs_run_total", Help: "Internal jobs executed"})
	ClaimRateLimited  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_claims_rate_limited_total", Help: "Claim requests rejected by the rate limiter"})

	WaitingTasksGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_tasks_waiting", Help: "Tasks waiting to be claimed"})
	RunningTasksGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_tasks_running", Help: "Tasks currently claimed"})
	RunningServicesGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_services_running", Help: "Services currently iterating"})
	ActiveManagersGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_managers_active", Help: "Managers currently active"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksSubmitted,
			TasksClaimed,
			TasksReturned,
			TasksRejected,
			TasksReset,
			ServiceIterations,
			ServiceErrors,
			InternalJobsRun,
			ClaimRateLimited,
			WaitingTasksGauge,
			RunningTasksGauge,
			RunningServicesGauge,
			ActiveManagersGauge,
		)
	})
	return promhttp.Handler()
}
