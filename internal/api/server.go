package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"caucode/internal/scheduler"
	"caucode/internal/service"
	"caucode/internal/taskq"
)

type Server struct {
	r        *chi.Mux
	queue    *taskq.Queue
	sched    *scheduler.Scheduler
	profiles *service.ProfileService
}

func NewServer(queue *taskq.Queue, sched *scheduler.Scheduler, profiles *service.ProfileService) http.Handler {
	return NewServerWithDebug(queue, sched, profiles, false)
}

func NewServerWithDebug(queue *taskq.Queue, sched *scheduler.Scheduler, profiles *service.ProfileService, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, queue: queue, sched: sched, profiles: profiles}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/system/status", s.systemStatus)
		r.Get("/tasks/queue/stats", s.queueStats)
		r.Get("/tasks/running", s.runningTasks)
		r.Get("/tasks/{id}/status", s.taskStatus)
		r.Delete("/tasks/{id}", s.cancelTask)
		r.Post("/tasks/cleanup", s.cleanupTasks)
		r.Get("/scheduler/jobs", s.schedulerJobs)
		r.Post("/scheduler/jobs/{id}/pause", s.pauseJob)
		r.Post("/scheduler/jobs/{id}/resume", s.resumeJob)
		r.Post("/profiles/sync", s.syncProfiles)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("caucode_up 1\n"))
}

func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"system_status": "running",
		"background_services": map[string]any{
			"task_queue": map[string]any{
				"running":       stats.IsRunning,
				"stats":         stats,
				"running_tasks": s.queue.Running(),
			},
			"scheduler": map[string]any{
				"running": s.sched.Running(),
				"jobs":    s.sched.Jobs(),
			},
		},
	})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) runningTasks(w http.ResponseWriter, r *http.Request) {
	running := s.queue.Running()
	writeJSON(w, http.StatusOK, map[string]any{
		"running_tasks": running,
		"count":         len(running),
	})
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, ok := s.queue.Status(id)
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.queue.Cancel(id) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "task cancelled",
		"task_id": id,
	})
}

func (s *Server) cleanupTasks(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "days must be a non-negative integer", http.StatusBadRequest)
			return
		}
		days = n
	}
	removed := s.queue.Cleanup(time.Duration(days) * 24 * time.Hour)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) schedulerJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":              s.sched.Jobs(),
		"scheduler_running": s.sched.Running(),
	})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Pause(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "job paused", "job_id": id})
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Resume(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "job resumed", "job_id": id})
}

func (s *Server) syncProfiles(w http.ResponseWriter, r *http.Request) {
	report, err := s.profiles.SyncAllStale(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
