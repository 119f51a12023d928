// Package source talks to the upstream schedule publisher: the weekly embed
// feed of concrete occurrences and the per-location class catalog.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"classsync/internal/calendar"
	appLog "classsync/internal/log"
	"classsync/internal/model"
	"classsync/internal/normalize"
)

const (
	DefaultEmbedURL = "https://groupexpro.com/schedule/embed"
	DefaultTimeout  = 15 * time.Second
	DefaultCacheTTL = time.Hour
	DefaultRetries  = 2
	defaultBackoff  = 500 * time.Millisecond
	defaultMaxBody  = 8 << 20
)

// Options configures a Client. Zero values pick the defaults above.
type Options struct {
	EmbedURL   string
	ClassesURL string
	// ClientID scopes the in-memory cache so two clients never share entries.
	ClientID     string
	Timeout      time.Duration
	Retries      int
	Backoff      time.Duration
	CacheTTL     time.Duration
	CacheDir     string
	MaxBodyBytes int64
	HTTPClient   *http.Client
}

// Client fetches occurrences and definitions. It is safe for concurrent use.
type Client struct {
	http *http.Client
	opts Options
	mem  *cache.Cache
}

func New(opts Options) *Client {
	if opts.EmbedURL == "" {
		opts.EmbedURL = DefaultEmbedURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if opts.ClientID == "" {
		opts.ClientID = "classsync"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		http: hc,
		opts: opts,
		mem:  cache.New(opts.CacheTTL, 2*opts.CacheTTL),
	}
}

// Flush drops every in-memory entry; the disk cache is kept.
func (c *Client) Flush() { c.mem.Flush() }

func (c *Client) weekKey(loc model.Location, week calendar.Week) string {
	return c.opts.ClientID + "|" + loc.ID + "|" + strconv.Itoa(week.Index)
}

// OccurrenceURL builds the embed request for one location and week.
func (c *Client) OccurrenceURL(loc model.Location, week calendar.Week) string {
	q := "schedule&a=3" +
		"&location=" + url.QueryEscape(loc.ExternalID) +
		"&start=" + strconv.FormatInt(week.Start.Unix(), 10) +
		"&end=" + strconv.FormatInt(week.End.Unix(), 10)
	return withQuery(c.opts.EmbedURL, q)
}

// DefinitionsURL builds the catalog request for one location.
func (c *Client) DefinitionsURL(loc model.Location) string {
	return withQuery(c.opts.ClassesURL, "location="+url.QueryEscape(loc.ExternalID))
}

func withQuery(base, q string) string {
	if strings.Contains(base, "?") {
		return base + "&" + q
	}
	return base + "?" + q
}

// FetchWeeklyOccurrences returns the occurrences of one location/week,
// served from memory for CacheTTL after the first successful fetch.
func (c *Client) FetchWeeklyOccurrences(ctx context.Context, loc model.Location, week calendar.Week) ([]model.Occurrence, error) {
	key := c.weekKey(loc, week)
	if v, ok := c.mem.Get(key); ok {
		appLog.Debug("occurrences from memory cache", "location", loc.ID, "week", week.Index)
		return append([]model.Occurrence(nil), v.([]model.Occurrence)...), nil
	}

	res, err := c.get(ctx, c.OccurrenceURL(loc, week))
	if err != nil {
		return nil, fmt.Errorf("fetch occurrences: %w", err)
	}
	occ, err := DecodeOccurrences(res.Body)
	if err != nil {
		return nil, fmt.Errorf("decode occurrences: %w", err)
	}
	c.mem.Set(key, occ, cache.DefaultExpiration)
	appLog.Info("occurrences fetched", "location", loc.ID, "week", week.Index, "count", len(occ), "from_cache", res.FromCache)
	return append([]model.Occurrence(nil), occ...), nil
}

// LoadRecurringDefinitions returns the class catalog of one location. When
// some entries are unusable it returns the rest with a model.DefinitionErrors.
func (c *Client) LoadRecurringDefinitions(ctx context.Context, loc model.Location) ([]model.ClassDefinition, error) {
	if c.opts.ClassesURL == "" {
		return nil, fmt.Errorf("no classes url configured")
	}
	res, err := c.get(ctx, c.DefinitionsURL(loc))
	if err != nil {
		return nil, fmt.Errorf("fetch definitions: %w", err)
	}
	defs, err := DecodeDefinitions(res.Body, loc.ID)
	var bad model.DefinitionErrors
	if err != nil && !errors.As(err, &bad) {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	appLog.Info("definitions loaded", "location", loc.ID, "count", len(defs), "rejected", len(bad), "from_cache", res.FromCache)
	if len(bad) > 0 {
		return defs, bad
	}
	return defs, nil
}

// DecodeOccurrences decodes the embed feed. The feed is a JSON array; an
// empty body or null is an empty week.
func DecodeOccurrences(body []byte) ([]model.Occurrence, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var out []model.Occurrence
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeDefinitions decodes a catalog array. Entries that fail to decode
// (for example an unknown recurrence) do not hide the rest of the catalog:
// the good entries come back together with a model.DefinitionErrors naming
// the bad ones. Titles lose the stray "Â" byte.
func DecodeDefinitions(body []byte, locationID string) ([]model.ClassDefinition, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	out := make([]model.ClassDefinition, 0, len(raw))
	var bad model.DefinitionErrors
	for i, item := range raw {
		var id struct {
			ClassID json.RawMessage `json:"class_id"`
		}
		_ = json.Unmarshal(item, &id)
		classID := rawID(id.ClassID)

		var def model.ClassDefinition
		if err := json.Unmarshal(item, &def); err != nil {
			appLog.Warn("undecodable class definition", "location", locationID, "index", i, "class", classID, "err", err)
			bad = append(bad, model.DefinitionError{Index: i, ClassID: classID, Err: err})
			continue
		}
		if strings.TrimSpace(def.ClassID) == "" {
			appLog.Warn("skipping class definition without id", "location", locationID, "index", i)
			continue
		}
		if strings.TrimSpace(def.Title) == "" {
			appLog.Warn("class definition without title", "location", locationID, "index", i, "class", def.ClassID)
			bad = append(bad, model.DefinitionError{Index: i, ClassID: def.ClassID, Err: errors.New("missing title")})
			continue
		}
		if def.LocationID == "" {
			def.LocationID = locationID
		}
		def.Title = normalize.CleanTitle(def.Title)
		out = append(out, def)
	}
	if len(bad) > 0 {
		return out, bad
	}
	return out, nil
}

// rawID reads an id that the catalog may send as a string or a number.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
