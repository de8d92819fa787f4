package store

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// RemoteStore talks to the host application's configuration API.
type RemoteStore struct {
	baseURL string
	http    *resty.Client
	writes  *rate.Limiter
}

// RemoteOptions configures a RemoteStore.
type RemoteOptions struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	WritesPerSecond float64
}

func NewRemoteStore(opts RemoteOptions) (*RemoteStore, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("remote store: base url required")
	}
	client := resty.New()
	client.SetTimeout(opts.Timeout)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}

	var limiter *rate.Limiter
	if opts.WritesPerSecond > 0 {
		burst := int(opts.WritesPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.WritesPerSecond), burst)
	}
	return &RemoteStore{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    client,
		writes:  limiter,
	}, nil
}

func (r *RemoteStore) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return r.baseURL + "/" + strings.Join(escaped, "/")
}

func checkResponse(resp *resty.Response, what string) error {
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return errors.Wrapf(ErrNotFound, "%s", what)
	case resp.IsError():
		return errors.Newf("%s returned status %d: %s", what, resp.StatusCode(), resp.String())
	}
	return nil
}

func (r *RemoteStore) Configurations(ctx context.Context) ([]Configuration, error) {
	var out []Configuration
	resp, err := r.http.R().SetContext(ctx).SetResult(&out).Get(r.url("configurations"))
	if err != nil {
		return nil, errors.Wrap(err, "list configurations")
	}
	if err := checkResponse(resp, "list configurations"); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RemoteStore) Configuration(ctx context.Context, id string) (*Configuration, error) {
	var out Configuration
	resp, err := r.http.R().SetContext(ctx).SetResult(&out).Get(r.url("configurations", id))
	if err != nil {
		return nil, errors.Wrapf(err, "get configuration %q", id)
	}
	if err := checkResponse(resp, "configuration "+id); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *RemoteStore) Dashboards(ctx context.Context, ids []string) (map[string]*DashboardRecord, error) {
	out := make(map[string]*DashboardRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var list []*DashboardRecord
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParam("ids", strings.Join(ids, ",")).
		SetResult(&list).
		Get(r.url("dashboards"))
	if err != nil {
		return nil, errors.Wrap(err, "list dashboards")
	}
	if err := checkResponse(resp, "list dashboards"); err != nil {
		return nil, err
	}
	for _, d := range list {
		if d != nil && d.ID != "" {
			out[d.ID] = d
		}
	}
	return out, nil
}

func (r *RemoteStore) SaveDashboard(ctx context.Context, rec *DashboardRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("save dashboard: missing id")
	}
	if r.writes != nil {
		if err := r.writes.Wait(ctx); err != nil {
			return errors.Wrap(err, "save dashboard: rate limit")
		}
	}
	resp, err := r.http.R().SetContext(ctx).SetBody(rec).Put(r.url("dashboards", rec.ID))
	if err != nil {
		return errors.Wrapf(err, "save dashboard %q", rec.ID)
	}
	return checkResponse(resp, "save dashboard "+rec.ID)
}
