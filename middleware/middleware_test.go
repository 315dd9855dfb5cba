package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBasicAuth(t *testing.T) {
	t.Run("open when unconfigured", func(t *testing.T) {
		t.Setenv("AUTH_USERNAME", "")
		t.Setenv("AUTH_PASSWORD", "")
		r := gin.New()
		r.GET("/", BasicAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

		w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Setenv("AUTH_USERNAME", "admin")
	t.Setenv("AUTH_PASSWORD", "secret")
	r := gin.New()
	r.GET("/", BasicAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		want       int
	}{
		{"missing", "", "", false, http.StatusUnauthorized},
		{"wrong password", "admin", "nope", true, http.StatusUnauthorized},
		{"valid", "admin", "secret", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			w := serve(r, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")
			}
		})
	}
}

func TestValidateID(t *testing.T) {
	r := gin.New()
	r.GET("/matches/:id", ValidateID(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.MustGet(ValidatedIDKey)})
	})

	tests := []struct {
		path string
		want int
	}{
		{"/matches/537898", http.StatusOK},
		{"/matches/0", http.StatusBadRequest},
		{"/matches/-4", http.StatusBadRequest},
		{"/matches/abc", http.StatusBadRequest},
		{"/matches/99999999999999999999", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := serve(r, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestValidateQueryParams(t *testing.T) {
	r := gin.New()
	r.GET("/", ValidateQueryParams(), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		query string
		want  int
	}{
		{"", http.StatusOK},
		{"?limit=20", http.StatusOK},
		{"?limit=0", http.StatusBadRequest},
		{"?limit=501", http.StatusBadRequest},
		{"?limit=ten", http.StatusBadRequest},
		{"?team=chelsea", http.StatusOK},
		{"?team=" + strings.Repeat("a", maxTeamLen+1), http.StatusBadRequest},
		{"?wait=true", http.StatusOK},
		{"?wait=maybe", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := serve(r, httptest.NewRequest(http.MethodGet, "/"+tt.query, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	serve(r, httptest.NewRequest(http.MethodGet, "/ok", nil))
	serve(r, httptest.NewRequest(http.MethodGet, "/missing", nil))

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zap.InfoLevel, entries[0].Level)
		assert.Equal(t, zap.WarnLevel, entries[1].Level)
		assert.Equal(t, "/missing", entries[1].ContextMap()["path"])
	}
}

func TestExtendWriteDeadline(t *testing.T) {
	r := gin.New()
	slow := func(c *gin.Context) {
		time.Sleep(300 * time.Millisecond)
		c.JSON(http.StatusOK, gin.H{"state": "DONE"})
	}
	r.POST("/api/cycles/run", slow)
	r.POST("/api/other", slow)

	srv := httptest.NewUnstartedServer(ExtendWriteDeadline(r, http.MethodPost, "/api/cycles/run", 5*time.Second))
	srv.Config.WriteTimeout = 100 * time.Millisecond
	srv.Start()
	defer srv.Close()

	t.Run("extended route writes its response", func(t *testing.T) {
		resp, err := srv.Client().Post(srv.URL+"/api/cycles/run", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "DONE")
	})

	t.Run("other routes keep the server timeout", func(t *testing.T) {
		resp, err := srv.Client().Post(srv.URL+"/api/other", "application/json", nil)
		if err == nil {
			defer resp.Body.Close()
			_, err = io.ReadAll(resp.Body)
		}
		assert.Error(t, err)
	})
}
