package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"imagegallery/client"
	"imagegallery/metrics"
	"imagegallery/middleware"
	"imagegallery/policy"
)

// Policy names registered by the API.
const (
	PolicyAPIAccess    = "ApiAccess"
	PolicyMustOwnImage = "MustOwnImage"
	PolicyPayingUser   = "PayingUser"
)

const maxTitleLength = 150

// API is the image resource server.
type API struct {
	Config    Config
	Logger    *slog.Logger
	Repo      Repository
	Validator *client.Validator
	Policies  *policy.Engine

	closers []func() error
}

// NewAPI opens the repository, seeds it when configured and prepares the
// token validator and policies.
func NewAPI(ctx context.Context, cfg Config, logger *slog.Logger) (*API, error) {
	repo, err := OpenRepository(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Seed {
		if err := repo.Seed(ctx, SeedImages()); err != nil {
			_ = repo.Close()
			return nil, err
		}
	}

	validator, err := client.NewValidator(ctx, cfg.ValidatorConfig(logger))
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	api := New(cfg, logger, repo, validator)
	api.closers = append(api.closers, func() error { validator.Close(); return nil }, repo.Close)
	return api, nil
}

// New assembles an API from its parts and registers the policies.
func New(cfg Config, logger *slog.Logger, repo Repository, validator *client.Validator) *API {
	engine := policy.NewEngine(logger)
	apiAccess := policy.Authenticated()
	if cfg.Auth.RequiredScope != "" {
		apiAccess = policy.RequireScope(cfg.Auth.RequiredScope)
	}
	engine.Register(PolicyAPIAccess, apiAccess)
	engine.Register(PolicyMustOwnImage, policy.All(policy.Authenticated(), policy.MustOwn(repo.OwnerOf)))
	engine.Register(PolicyPayingUser, policy.All(policy.Authenticated(), policy.RequireClaim("role", "PayingUser")))

	return &API{
		Config:    cfg,
		Logger:    logger,
		Repo:      repo,
		Validator: validator,
		Policies:  engine,
	}
}

// Close releases the validator and the database.
func (a *API) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Routes constructs the API router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(a.Logger))
	r.Use(middleware.Recovery(a.Logger, a.Config.Server.DevMode))
	r.Use(middleware.Metrics("api"))
	if len(a.Config.CORSOrigins) > 0 {
		r.Use(middleware.CORS(middleware.CORSConfig{
			AllowedOrigins: a.Config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}
	if !a.Config.Server.DevMode {
		r.Use(middleware.SecurityHeaders(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/images", func(r chi.Router) {
		r.Use(client.RequireAuth(a.Validator))
		r.Use(policy.Require(a.Policies, PolicyAPIAccess, Principal, nil))

		r.Get("/", a.handleList)
		r.With(policy.Require(a.Policies, PolicyPayingUser, Principal, nil)).Post("/", a.handleCreate)

		r.Route("/{id}", func(r chi.Router) {
			r.Use(policy.Require(a.Policies, PolicyMustOwnImage, Principal, imageTarget))
			r.Get("/", a.handleGet)
			r.Put("/", a.handleUpdate)
			r.Delete("/", a.handleDelete)
		})
	})

	return r
}

// Principal converts the validated token in the request context into a policy principal.
func Principal(r *http.Request) *policy.Principal {
	claims, ok := client.ClaimsFromContext(r.Context())
	if !ok {
		return nil
	}
	return &policy.Principal{Subject: claims.Subject, Scopes: claims.Scopes, Claims: claims.Raw}
}

func imageTarget(r *http.Request) policy.Target {
	return policy.Target{Kind: "image", ID: chi.URLParam(r, "id")}
}

// ImageForCreation is the POST body.
type ImageForCreation struct {
	Title    string `json:"title"`
	FileName string `json:"file_name,omitempty"`
}

// ImageForUpdate is the PUT body.
type ImageForUpdate struct {
	Title string `json:"title"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.Repo.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			a.Logger.Error("health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	claims, _ := client.ClaimsFromContext(r.Context())
	images, err := a.Repo.List(r.Context(), claims.Subject)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := imageID(w, r)
	if !ok {
		return
	}
	img, err := a.Repo.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body ImageForCreation
	if !decodeBody(w, r, &body) {
		return
	}
	title, ok := validTitle(w, body.Title)
	if !ok {
		return
	}

	claims, _ := client.ClaimsFromContext(r.Context())
	img := Image{ID: uuid.New(), Title: title, OwnerID: claims.Subject}
	img.FileName = img.ID.String() + ".jpg"
	if err := a.Repo.Create(r.Context(), img); err != nil {
		a.fail(w, r, err)
		return
	}
	created, err := a.Repo.Get(r.Context(), img.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.Logger.Info("image created", "image_id", img.ID, "sub", claims.Subject)
	w.Header().Set("Location", "/api/images/"+img.ID.String())
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := imageID(w, r)
	if !ok {
		return
	}
	var body ImageForUpdate
	if !decodeBody(w, r, &body) {
		return
	}
	title, ok := validTitle(w, body.Title)
	if !ok {
		return
	}
	if err := a.Repo.Update(r.Context(), Image{ID: id, Title: title}); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := imageID(w, r)
	if !ok {
		return
	}
	if err := a.Repo.Delete(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrImageNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	a.Logger.Error("image request failed",
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"err", err,
	)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": middleware.GenericFaultMessage})
}

func imageID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid image id"})
		return uuid.UUID{}, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func validTitle(w http.ResponseWriter, title string) (string, bool) {
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "title is required and at most 150 characters"})
		return "", false
	}
	return title, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
