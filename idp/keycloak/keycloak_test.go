package keycloak

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeKeycloak implements just enough of the admin API for the bootstrap flow.
type fakeKeycloak struct {
	mu      sync.Mutex
	realms  map[string]bool
	clients map[string]string // clientId -> UUID
	mappers map[string]bool
	roles   map[string]bool
	users   map[string]string // username -> UUID
	assigns map[string][]string
}

func newFakeKeycloak() *fakeKeycloak {
	return &fakeKeycloak{
		realms:  map[string]bool{},
		clients: map[string]string{},
		mappers: map[string]bool{},
		roles:   map[string]bool{},
		users:   map[string]string{},
		assigns: map[string][]string{},
	}
}

func (f *fakeKeycloak) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/realms/master/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("username") != "admin" || r.Form.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "admin-tok"})
	})

	mux.HandleFunc("/admin/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin-tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()

		path := strings.TrimPrefix(r.URL.Path, "/admin/realms")
		switch {
		case path == "" && r.Method == http.MethodPost:
			var realm struct {
				Realm string `json:"realm"`
			}
			json.NewDecoder(r.Body).Decode(&realm)
			f.realms[realm.Realm] = true
			w.WriteHeader(http.StatusCreated)

		case r.Method == http.MethodGet && strings.Count(path, "/") == 1:
			// GET /admin/realms/{realm}
			if f.realms[strings.TrimPrefix(path, "/")] {
				json.NewEncoder(w).Encode(map[string]string{})
			} else {
				w.WriteHeader(http.StatusNotFound)
			}

		case strings.HasSuffix(path, "/clients") && r.Method == http.MethodGet:
			id := r.URL.Query().Get("clientId")
			out := []map[string]string{}
			if uuid, ok := f.clients[id]; ok {
				out = append(out, map[string]string{"id": uuid, "clientId": id})
			}
			json.NewEncoder(w).Encode(out)

		case strings.HasSuffix(path, "/clients") && r.Method == http.MethodPost:
			var c struct {
				ClientID string `json:"clientId"`
			}
			json.NewDecoder(r.Body).Decode(&c)
			f.clients[c.ClientID] = "uuid-" + c.ClientID
			w.WriteHeader(http.StatusCreated)

		case strings.Contains(path, "/protocol-mappers/models") && r.Method == http.MethodGet:
			out := []map[string]string{}
			for name := range f.mappers {
				out = append(out, map[string]string{"name": name})
			}
			json.NewEncoder(w).Encode(out)

		case strings.Contains(path, "/protocol-mappers/models") && r.Method == http.MethodPost:
			var m struct {
				Name string `json:"name"`
			}
			json.NewDecoder(r.Body).Decode(&m)
			f.mappers[m.Name] = true
			w.WriteHeader(http.StatusCreated)

		case strings.Contains(path, "/roles/") && r.Method == http.MethodGet:
			role := path[strings.LastIndex(path, "/")+1:]
			if f.roles[role] {
				json.NewEncoder(w).Encode(map[string]string{"name": role})
			} else {
				w.WriteHeader(http.StatusNotFound)
			}

		case strings.HasSuffix(path, "/roles") && r.Method == http.MethodPost:
			var role struct {
				Name string `json:"name"`
			}
			json.NewDecoder(r.Body).Decode(&role)
			f.roles[role.Name] = true
			w.WriteHeader(http.StatusCreated)

		case strings.Contains(path, "/role-mappings/realm") && r.Method == http.MethodPost:
			parts := strings.Split(path, "/")
			userID := parts[3]
			var reps []map[string]interface{}
			json.NewDecoder(r.Body).Decode(&reps)
			for _, rep := range reps {
				f.assigns[userID] = append(f.assigns[userID], fmt.Sprint(rep["name"]))
			}
			w.WriteHeader(http.StatusNoContent)

		case strings.HasSuffix(path, "/users") && r.Method == http.MethodGet:
			name := r.URL.Query().Get("username")
			out := []map[string]string{}
			if id, ok := f.users[name]; ok {
				out = append(out, map[string]string{"id": id, "username": name})
			}
			json.NewEncoder(w).Encode(out)

		case strings.HasSuffix(path, "/users") && r.Method == http.MethodPost:
			var u struct {
				Username string `json:"username"`
			}
			json.NewDecoder(r.Body).Decode(&u)
			f.users[u.Username] = "uid-" + u.Username
			w.WriteHeader(http.StatusCreated)

		default:
			t.Errorf("unhandled admin call: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotImplemented)
		}
	})

	return mux
}

func TestBootstrapProvisionsEverything(t *testing.T) {
	fake := newFakeKeycloak()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	b := NewBootstrapper(Config{
		BaseURL:       server.URL,
		AdminUser:     "admin",
		AdminPassword: "secret",
		Realm:         "macaw",
		ClientID:      "macaw",
	})

	users := []User{
		{
			Username:      "alice",
			Password:      "pw",
			Roles:         []string{"trader"},
			Tier:          "pro",
			MaxTokens:     4096,
			AllowedModels: []string{"gpt-4o"},
			BusinessUnit:  "trading",
		},
	}
	if err := b.Bootstrap(context.Background(), []string{"trader", "manager"}, users); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	if !fake.realms["macaw"] {
		t.Error("realm not created")
	}
	if fake.clients["macaw"] == "" {
		t.Error("client not created")
	}
	for _, attr := range claimAttributes {
		if !fake.mappers["macaw-"+attr] {
			t.Errorf("mapper for %s not created", attr)
		}
	}
	if !fake.roles["trader"] || !fake.roles["manager"] {
		t.Errorf("roles not created: %v", fake.roles)
	}
	if fake.users["alice"] == "" {
		t.Error("user not created")
	}
	if got := fake.assigns["uid-alice"]; len(got) != 1 || got[0] != "trader" {
		t.Errorf("roles not assigned: %v", got)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	fake := newFakeKeycloak()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	b := NewBootstrapper(Config{
		BaseURL:       server.URL,
		AdminUser:     "admin",
		AdminPassword: "secret",
		Realm:         "macaw",
		ClientID:      "macaw",
	})

	users := []User{{Username: "alice", Password: "pw"}}
	for i := 0; i < 2; i++ {
		if err := b.Bootstrap(context.Background(), []string{"trader"}, users); err != nil {
			t.Fatalf("Bootstrap run %d failed: %v", i+1, err)
		}
	}
	if len(fake.users) != 1 {
		t.Errorf("expected 1 user after reruns, got %d", len(fake.users))
	}
}

func TestBootstrapBadCredentials(t *testing.T) {
	fake := newFakeKeycloak()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	b := NewBootstrapper(Config{
		BaseURL:       server.URL,
		AdminUser:     "admin",
		AdminPassword: "wrong",
		Realm:         "macaw",
		ClientID:      "macaw",
	})
	if err := b.Bootstrap(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for bad admin credentials")
	}
}

func TestUserAttributes(t *testing.T) {
	attrs := userAttributes(User{
		Tier:          "pro",
		MaxTokens:     2048,
		AllowedModels: []string{"gpt-4o", "gpt-4o-mini"},
		Team:          "derivatives",
	})
	if got := attrs["max_tokens"]; len(got) != 1 || got[0] != "2048" {
		t.Errorf("unexpected max_tokens attribute: %v", got)
	}
	if got := attrs["allowed_models"]; len(got) != 2 {
		t.Errorf("unexpected allowed_models attribute: %v", got)
	}
	if _, ok := attrs["organization"]; ok {
		t.Error("empty attribute should be omitted")
	}
}
