package portal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/playwright-community/playwright-go"

	"course-autopilot/internal/runstore"
)

// cookieRecord is the on-disk cookie shape. It matches what browser
// automation tools usually dump, so a cookie file exported elsewhere loads
// unchanged.
type cookieRecord struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	URL      string  `json:"url,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

func readCookieFile(path string) ([]playwright.OptionalCookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []cookieRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse cookie file %s: %w", path, err)
	}

	out := make([]playwright.OptionalCookie, 0, len(records))
	for _, r := range records {
		if r.Name == "" {
			continue
		}
		c := playwright.OptionalCookie{Name: r.Name, Value: r.Value}
		switch {
		case r.Domain != "":
			c.Domain = playwright.String(r.Domain)
			path := r.Path
			if path == "" {
				path = "/"
			}
			c.Path = playwright.String(path)
		case r.URL != "":
			c.URL = playwright.String(r.URL)
		default:
			continue
		}
		if r.Expires > 0 {
			c.Expires = playwright.Float(r.Expires)
		}
		if r.HTTPOnly {
			c.HttpOnly = playwright.Bool(true)
		}
		if r.Secure {
			c.Secure = playwright.Bool(true)
		}
		switch r.SameSite {
		case "Strict", "Lax", "None":
			ss := playwright.SameSiteAttribute(r.SameSite)
			c.SameSite = &ss
		}
		out = append(out, c)
	}
	return out, nil
}

func writeCookieFile(path string, cookies []playwright.Cookie) error {
	records := make([]cookieRecord, 0, len(cookies))
	for _, c := range cookies {
		r := cookieRecord{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			r.SameSite = string(*c.SameSite)
		}
		records = append(records, r)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cookies: %w", err)
	}
	if err := runstore.WriteBytes(path, append(data, '\n')); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

func cookieFileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
