// Package wellknown resolves connection settings for well-known SMTP
// submission services by canonical name, alias or mail domain.
package wellknown

import (
	_ "embed"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

//go:embed services.json
var servicesJSON []byte

// Service describes the submission endpoint of a well-known provider.
type Service struct {
	Name    string   `json:"-"`
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Secure  bool     `json:"secure"`
	Aliases []string `json:"aliases,omitempty"`
	Domains []string `json:"domains,omitempty"`
}

var (
	loadOnce sync.Once
	index    map[string]Service
)

func buildIndex() {
	var raw map[string]Service
	if err := json.Unmarshal(servicesJSON, &raw); err != nil {
		index = map[string]Service{}
		return
	}

	index = make(map[string]Service, len(raw)*2)
	for name, svc := range raw {
		svc.Name = name
		index[normalizeKey(name)] = svc
		for _, alias := range svc.Aliases {
			index[normalizeKey(alias)] = svc
		}
		for _, domain := range svc.Domains {
			index[normalizeKey(domain)] = svc
		}
	}
}

// normalizeKey lowercases the key and strips every character that is not a
// letter, digit, dot or hyphen, so "Google Mail" and "googlemail" collide.
func normalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Lookup resolves a service by canonical name, alias or mail domain.
// The boolean reports whether the key matched a known service.
func Lookup(key string) (Service, bool) {
	loadOnce.Do(buildIndex)
	svc, ok := index[normalizeKey(key)]
	return svc, ok
}
