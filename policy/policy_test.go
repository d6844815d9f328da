package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	frank = &Principal{
		Subject: "d860efca-22d9-47fd-8249-791ba61b07c7",
		Scopes:  []string{"openid", "imagegalleryapiscope"},
		Claims:  map[string]any{"role": "FreeUser", "subscriptionlevel": "FreeUser", "country": "nl"},
	}
	claire = &Principal{
		Subject: "b7539694-97e7-4dfe-84da-b4256e1ff5c7",
		Scopes:  []string{"openid", "imagegalleryapiscope"},
		Claims:  map[string]any{"role": []any{"PayingUser", "Reviewer"}, "subscriptionlevel": "PayingUser", "country": "be"},
	}
)

func testEngine() *Engine {
	return NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func ownerTable(owners map[string]string) OwnerLookup {
	return func(_ context.Context, id string) (string, error) {
		owner, ok := owners[id]
		if !ok {
			return "", ErrResourceNotFound
		}
		return owner, nil
	}
}

func TestBuiltinPolicies(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name      string
		policy    Policy
		principal *Principal
		want      error
	}{
		{"authenticated nil", Authenticated(), nil, ErrUnauthenticated},
		{"authenticated empty subject", Authenticated(), &Principal{}, ErrUnauthenticated},
		{"authenticated", Authenticated(), frank, nil},
		{"scope granted", RequireScope("imagegalleryapiscope"), frank, nil},
		{"scope missing", RequireScope("offline_access"), frank, ErrForbidden},
		{"scope anonymous", RequireScope("openid"), nil, ErrUnauthenticated},
		{"claim value", RequireClaim("role", "PayingUser"), claire, nil},
		{"claim wrong value", RequireClaim("role", "PayingUser"), frank, ErrForbidden},
		{"claim presence", RequireClaim("country"), frank, nil},
		{"claim absent", RequireClaim("address"), frank, ErrForbidden},
		{"all allow", All(Authenticated(), RequireClaim("country", "be")), claire, nil},
		{"all deny", All(Authenticated(), RequireClaim("country", "be")), frank, ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Evaluate(ctx, tc.principal, Target{})
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestMustOwn(t *testing.T) {
	ctx := context.Background()
	p := MustOwn(ownerTable(map[string]string{"img-1": frank.Subject}))

	require.NoError(t, p.Evaluate(ctx, frank, Target{Kind: "image", ID: "img-1"}))
	require.ErrorIs(t, p.Evaluate(ctx, claire, Target{Kind: "image", ID: "img-1"}), ErrForbidden)
	require.ErrorIs(t, p.Evaluate(ctx, frank, Target{Kind: "image", ID: "missing"}), ErrForbidden)
	require.ErrorIs(t, p.Evaluate(ctx, nil, Target{Kind: "image", ID: "img-1"}), ErrUnauthenticated)
}

func TestMustOwnReadsOwnerEveryTime(t *testing.T) {
	owners := map[string]string{"img-1": frank.Subject}
	calls := 0
	p := MustOwn(func(ctx context.Context, id string) (string, error) {
		calls++
		return ownerTable(owners)(ctx, id)
	})

	require.NoError(t, p.Evaluate(context.Background(), frank, Target{ID: "img-1"}))
	owners["img-1"] = claire.Subject
	require.ErrorIs(t, p.Evaluate(context.Background(), frank, Target{ID: "img-1"}), ErrForbidden)
	assert.Equal(t, 2, calls)
}

func TestExpression(t *testing.T) {
	canOrderFrame, err := Expression(`has(claims.country) && claims.country == "be" && claims.subscriptionlevel == "PayingUser"`)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, canOrderFrame.Evaluate(ctx, claire, Target{}))
	require.ErrorIs(t, canOrderFrame.Evaluate(ctx, frank, Target{}), ErrForbidden)
	require.ErrorIs(t, canOrderFrame.Evaluate(ctx, &Principal{Subject: "x"}, Target{}), ErrForbidden)
	require.ErrorIs(t, canOrderFrame.Evaluate(ctx, nil, Target{}), ErrUnauthenticated)

	onResource := MustExpression(`resource.owner == subject && "imagegalleryapiscope" in scopes`)
	require.NoError(t, onResource.Evaluate(ctx, frank, Target{ID: "img-1", Attributes: map[string]any{"owner": frank.Subject}}))
	require.ErrorIs(t, onResource.Evaluate(ctx, claire, Target{ID: "img-1", Attributes: map[string]any{"owner": frank.Subject}}), ErrForbidden)
}

func TestExpressionCompileErrors(t *testing.T) {
	_, err := Expression(`claims.country ==`)
	require.Error(t, err)

	_, err = Expression(`claims.country`)
	require.Error(t, err, "non-bool expressions are rejected")

	assert.Panics(t, func() { MustExpression(`1 +`) })
}

func TestEngineAuthorize(t *testing.T) {
	e := testEngine()
	e.Register("PayingUser", RequireClaim("role", "PayingUser"))
	e.Register("Broken", Func(func(context.Context, *Principal, Target) error {
		return errors.New("database unavailable")
	}))

	ctx := context.Background()
	assert.Equal(t, []string{"Broken", "PayingUser"}, e.Names())
	require.NoError(t, e.Authorize(ctx, "PayingUser", claire, Target{}))
	require.ErrorIs(t, e.Authorize(ctx, "PayingUser", frank, Target{}), ErrForbidden)
	require.ErrorIs(t, e.Authorize(ctx, "PayingUser", nil, Target{}), ErrUnauthenticated)
	require.ErrorIs(t, e.Authorize(ctx, "Nope", claire, Target{}), ErrUnknownPolicy)
	require.ErrorIs(t, e.Authorize(ctx, "Broken", claire, Target{}), ErrForbidden, "evaluation errors fail closed")
}

func TestRequireMiddleware(t *testing.T) {
	e := testEngine()
	e.Register("MustOwnImage", All(Authenticated(), MustOwn(ownerTable(map[string]string{"img-1": frank.Subject}))))

	var principal *Principal
	mw := Require(e, "MustOwnImage",
		func(*http.Request) *Principal { return principal },
		func(r *http.Request) Target { return Target{Kind: "image", ID: r.URL.Query().Get("id")} },
	)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(p *Principal) *httptest.ResponseRecorder {
		principal = p
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?id=img-1", nil))
		return rec
	}

	rec := serve(nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusForbidden, serve(claire).Code)
	assert.Equal(t, http.StatusNoContent, serve(frank).Code)

	rec = httptest.NewRecorder()
	Require(e, "Missing", func(*http.Request) *Principal { return frank }, nil)(handler).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
