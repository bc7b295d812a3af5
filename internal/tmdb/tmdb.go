package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/castfinder/internal/gallery"
)

const (
	DefaultBaseURL     = "https://api.themoviedb.org/3"
	defaultLanguage    = "en-US"
	defaultHTTPTimeout = 20 * time.Second
)

// ErrNoToken is returned by New when no bearer token is configured.
var ErrNoToken = errors.New("tmdb: bearer token is required")

// Config describes the TMDB client configuration.
type Config struct {
	BearerToken string
	BaseURL     string
	Language    string
	HTTPClient  *http.Client
}

// Client wraps the parts of the TMDB REST API used to cross-reference actors.
type Client struct {
	token    string
	language string
	baseURL  *url.URL
	http     *http.Client
}

// Person is a TMDB person search hit.
type Person struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Popularity float64 `json:"popularity"`
}

// Credit is one movie an actor appeared in.
type Credit struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Character string `json:"character"`
}

// Actor is the lookup outcome for one recognised identity.
type Actor struct {
	Name  string `json:"name"`
	Found bool   `json:"found"`
}

// New creates a Client from the supplied configuration.
func New(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	if token == "" {
		return nil, ErrNoToken
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("tmdb: parse base url: %w", err)
	}
	lang := strings.TrimSpace(cfg.Language)
	if lang == "" {
		lang = defaultLanguage
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{token: token, language: lang, baseURL: baseURL, http: client}, nil
}

// SearchPerson returns the best TMDB match for name, or ok=false when there is none.
func (c *Client) SearchPerson(ctx context.Context, name string) (Person, bool, error) {
	params := url.Values{}
	params.Set("query", name)
	params.Set("include_adult", "false")
	params.Set("language", c.language)
	params.Set("page", "1")

	var resp struct {
		Results []Person `json:"results"`
	}
	if err := c.get(ctx, c.baseURL.JoinPath("search", "person"), params, &resp); err != nil {
		return Person{}, false, err
	}
	if len(resp.Results) == 0 {
		return Person{}, false, nil
	}
	return resp.Results[0], true, nil
}

// MovieCredits lists the movies a person was cast in.
func (c *Client) MovieCredits(ctx context.Context, personID int64) ([]Credit, error) {
	params := url.Values{}
	params.Set("language", c.language)

	var resp struct {
		Cast []Credit `json:"cast"`
	}
	endpoint := c.baseURL.JoinPath("person", strconv.FormatInt(personID, 10), "movie_credits")
	if err := c.get(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}
	return resp.Cast, nil
}

// SharedMovies looks every identity up on TMDB and returns the movie titles all found
// actors share, sorted. Identity names are turned into display names first
// ("tom_hanks" becomes "tom hanks"). Actors TMDB does not know are reported with
// Found=false and do not constrain the intersection.
func (c *Client) SharedMovies(ctx context.Context, identities []string) ([]Actor, []string, error) {
	actors := make([]Actor, 0, len(identities))
	var shared map[string]struct{}

	for _, id := range identities {
		name := gallery.DisplayName(id)
		person, ok, err := c.SearchPerson(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		actors = append(actors, Actor{Name: name, Found: ok})
		if !ok {
			continue
		}

		credits, err := c.MovieCredits(ctx, person.ID)
		if err != nil {
			return nil, nil, err
		}
		titles := make(map[string]struct{}, len(credits))
		for _, cr := range credits {
			if cr.Title != "" {
				titles[cr.Title] = struct{}{}
			}
		}

		if shared == nil {
			shared = titles
			continue
		}
		for t := range shared {
			if _, ok := titles[t]; !ok {
				delete(shared, t)
			}
		}
	}

	movies := make([]string, 0, len(shared))
	for t := range shared {
		movies = append(movies, t)
	}
	slices.Sort(movies)
	return actors, movies, nil
}

func (c *Client) get(ctx context.Context, endpoint *url.URL, params url.Values, out any) error {
	u := *endpoint
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("tmdb: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tmdb: request %s: %w", endpoint.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("tmdb: %s returned %s: %s", endpoint.Path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tmdb: decode %s: %w", endpoint.Path, err)
	}
	return nil
}
