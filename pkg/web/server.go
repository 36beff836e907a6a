package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/tmaxmax/go-sse"

	"github.com/learning-org-2565/infradeploy/pkg/config"
	"github.com/learning-org-2565/infradeploy/pkg/deploy"
	"github.com/learning-org-2565/infradeploy/pkg/status"
)

//go:embed templates static
var content embed.FS

// ServerConfig holds configuration for the web server.
type ServerConfig struct {
	Port         int            // port to listen on
	Choices      config.Choices // allowed form values
	Repository   string         // owner/repo shown on the form
	WorkflowURL  string         // link to the provisioning workflow
	TerraformURL string         // link to the terraform configuration
}

// Deployer dispatches and tracks deployments. *deploy.Service implements it.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (*deploy.Deployment, error)
	Track(ctx context.Context, d *deploy.Deployment) error
}

// Server serves the deployment form, dashboards and their SSE streams.
type Server struct {
	cfg      ServerConfig
	deployer Deployer
	sessions *DeploymentManager
	tmpl     *template.Template
	handler  http.Handler
	log      lgr.L

	mu      sync.RWMutex
	baseCtx context.Context // deployments are tracked with it, so they outlive the submitting request
}

// NewServer creates a new web server.
func NewServer(cfg ServerConfig, deployer Deployer, sessions *DeploymentManager, log lgr.L) (*Server, error) {
	if log == nil {
		log = lgr.NoOp
	}
	if sessions == nil {
		sessions = NewDeploymentManager(0)
	}

	tmpl, err := template.New("").Funcs(templateFuncs()).ParseFS(content, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		deployer: deployer,
		sessions: sessions,
		tmpl:     tmpl,
		log:      log,
		baseCtx:  context.Background(),
	}

	s.handler, err = s.routes()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) routes() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleForm)
	mux.HandleFunc("POST /deploy", s.handleDeploy)
	mux.HandleFunc("GET /deployments/{id}", s.handleDashboard)
	mux.HandleFunc("POST /api/deployments", s.handleCreateAPI)
	mux.HandleFunc("GET /api/deployments", s.handleListAPI)
	mux.HandleFunc("GET /api/deployments/{id}", s.handleDeploymentAPI)
	mux.HandleFunc("GET /api/deployments/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/options", s.handleOptions)

	staticFS, err := fs.Sub(content, "static")
	if err != nil {
		return nil, fmt.Errorf("static filesystem: %w", err)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	return mux, nil
}

// Handler returns the server's http handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests.
// blocks until ctx is canceled or an error occurs. deployments started through the server
// are tracked with ctx and stop polling when it's canceled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		// closing sessions ends open event streams, otherwise Shutdown waits for them
		s.sessions.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server: %w", err)
}

func (s *Server) trackingContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseCtx
}

// formData holds data for the form template.
type formData struct {
	Config  ServerConfig
	Request deploy.Request
	Errors  map[string]string
	Recent  []deploymentView
}

// deploymentView is a deployment as rendered by the dashboard and the JSON api.
type deploymentView struct {
	ID        string         `json:"id"`
	RunID     int64          `json:"run_id,omitempty"`
	RunURL    string         `json:"run_url,omitempty"`
	Status    status.Status  `json:"status"`
	Finished  bool           `json:"finished"`
	Request   deploy.Request `json:"request"`
	CreatedAt time.Time      `json:"created_at"`
	Steps     []status.Step  `json:"steps"`
}

func newDeploymentView(sess *Session) deploymentView {
	d := sess.Deployment
	return deploymentView{
		ID:        d.ID,
		RunID:     d.RunID,
		RunURL:    d.RunURL,
		Status:    d.Tracker.Status(),
		Finished:  sess.Finished(),
		Request:   d.Request,
		CreatedAt: d.CreatedAt,
		Steps:     d.Tracker.Steps(),
	}
}

// handleForm serves the deployment form.
func (s *Server) handleForm(w http.ResponseWriter, _ *http.Request) {
	s.renderForm(w, http.StatusOK, deploy.Request{}, nil)
}

func (s *Server) renderForm(w http.ResponseWriter, code int, req deploy.Request, fieldErrors map[string]string) {
	data := formData{Config: s.cfg, Request: req, Errors: fieldErrors}
	for _, sess := range s.sessions.All() {
		data.Recent = append(data.Recent, newDeploymentView(sess))
	}
	s.render(w, code, "form.html", data)
}

// handleDeploy validates the submitted form, dispatches the workflow and redirects to the dashboard.
// invalid input re-renders the form with per-field errors. a failed dispatch still gets a dashboard,
// showing the error step.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	req := deploy.Request{
		ProjectName: r.PostFormValue("project_name"),
		ProjectID:   r.PostFormValue("project_id"),
		Region:      r.PostFormValue("region"),
		Zone:        r.PostFormValue("zone"),
		Environment: r.PostFormValue("environment"),
		MachineType: r.PostFormValue("machine_type"),
		NetworkTier: r.PostFormValue("network_tier"),
	}

	sess, err := s.start(r.Context(), req)
	if sess == nil {
		if errors.Is(err, deploy.ErrInvalidRequest) {
			s.renderForm(w, http.StatusBadRequest, req, deploy.FieldErrors(err))
			return
		}
		s.log.Logf("[ERROR] deployment failed: %v", err)
		http.Error(w, "deployment failed", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/deployments/"+sess.ID(), http.StatusSeeOther)
}

// handleCreateAPI is the JSON counterpart of handleDeploy.
func (s *Server) handleCreateAPI(w http.ResponseWriter, r *http.Request) {
	var req deploy.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return
	}

	sess, err := s.start(r.Context(), req)
	if sess == nil {
		if errors.Is(err, deploy.ErrInvalidRequest) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "fields": deploy.FieldErrors(err)})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	code := http.StatusCreated
	if err != nil {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, newDeploymentView(sess))
}

// start dispatches a deployment, registers its session and starts tracking.
// returns nil session only when no deployment was created (invalid request).
func (s *Server) start(ctx context.Context, req deploy.Request) (*Session, error) {
	d, err := s.deployer.Deploy(ctx, req)
	if d == nil {
		return nil, err
	}

	sess := NewSession(d)
	s.sessions.Register(sess)
	if err != nil {
		s.log.Logf("[WARN] deployment %s not started: %v", d.ID, err)
	} else if terr := s.deployer.Track(s.trackingContext(), d); terr != nil {
		s.log.Logf("[WARN] can't track deployment %s: %v", d.ID, terr)
	}
	sess.Follow()
	return sess, err
}

// handleDashboard serves the live step dashboard of one deployment.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("id"))
	if sess == nil {
		http.NotFound(w, r)
		return
	}
	s.render(w, http.StatusOK, "deployment.html", newDeploymentView(sess))
}

// handleListAPI returns all known deployments, newest first.
func (s *Server) handleListAPI(w http.ResponseWriter, _ *http.Request) {
	res := []deploymentView{}
	for _, sess := range s.sessions.All() {
		res = append(res, newDeploymentView(sess))
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeploymentAPI returns the current snapshot of a deployment as JSON.
func (s *Server) handleDeploymentAPI(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("id"))
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "deployment not found"})
		return
	}
	writeJSON(w, http.StatusOK, newDeploymentView(sess))
}

// handleOptions returns the allowed form values.
func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Choices)
}

// handleEvents serves the SSE stream of a deployment: the latest snapshot first, then live events.
// the stream ends after the done event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("id"))
	if sess == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// subscribe before reading the buffer, so nothing published in between is lost.
	// a duplicated snapshot is harmless
	eventCh := sess.Hub.Subscribe()
	defer sess.Hub.Unsubscribe(eventCh)
	s.log.Logf("[DEBUG] deployment %s: stream opened, %d clients", sess.ID(), sess.Hub.ClientCount())

	// each steps event holds the full state, the latest one is all a late joiner needs
	if event, ok := sess.Buffer.Latest(EventTypeSteps); ok {
		writeEvent(w, event)
	}
	if event, ok := sess.Buffer.Latest(EventTypeDone); ok {
		writeEvent(w, event)
		flusher.Flush()
		return
	}
	flusher.Flush()

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return // hub closed
			}
			if !writeEvent(w, event) {
				continue
			}
			flusher.Flush()
			if event.Type == EventTypeDone {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent writes one SSE message with the event JSON as data, returning false if the event can't be encoded.
func writeEvent(w http.ResponseWriter, e Event) bool {
	data, err := e.JSON()
	if err != nil {
		return false
	}
	msg := &sse.Message{}
	msg.AppendData(string(data))
	_, _ = msg.WriteTo(w)
	return true
}

func (s *Server) render(w http.ResponseWriter, code int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		s.log.Logf("[WARN] render %s: %v", name, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"icon": func(st status.Status) string { return st.Icon() },
		"duration": func(step status.Step) string {
			return step.DurationText(time.Now())
		},
		"clock": func(t *time.Time) string {
			if t == nil {
				return ""
			}
			return t.Local().Format("15:04:05")
		},
		"selected": func(cur, val string) bool { return cur == val },
	}
}
