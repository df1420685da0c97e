package webui

import (
	"fmt"
	"net/http"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Credentials verifies HTTP basic auth against bcrypt hashes loaded at
// startup. Credential management itself (rotation, user admin) is out of
// scope: this is only the verification boundary the camera routes sit
// behind.
type Credentials struct {
	users map[string]string // username -> bcrypt hash
}

type credentialsFile struct {
	Users map[string]string `yaml:"users"`
}

// LoadCredentials reads a YAML file mapping usernames to bcrypt hashes.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("webui: read credentials: %w", err)
	}
	var cf credentialsFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("webui: parse credentials: %w", err)
	}
	if len(cf.Users) == 0 {
		return nil, fmt.Errorf("webui: credentials file %s has no users", path)
	}
	return &Credentials{users: cf.Users}, nil
}

// NewCredentials builds Credentials from an in-memory map of bcrypt hashes.
func NewCredentials(users map[string]string) *Credentials {
	return &Credentials{users: users}
}

// Verify reports whether the username/password pair matches a stored hash.
func (c *Credentials) Verify(username, password string) bool {
	hash, ok := c.users[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// BasicAuth is a middleware enforcing basic auth on everything below it.
func (c *Credentials) BasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !c.Verify(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="veilcam"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashPassword produces a bcrypt hash suitable for the credentials file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("webui: hash password: %w", err)
	}
	return string(hash), nil
}
