package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// httpClient implements Client against a Bugzilla-shaped REST API.
type httpClient struct {
	baseURL       string
	attachmentURL string
	apiKey        string
	http          *http.Client
	limiter       *rateLimiter
}

// New builds an HTTP-backed tracker Client.
func New(opts Options) Client {
	return &httpClient{
		baseURL:       opts.BaseURL,
		attachmentURL: opts.AttachmentURL,
		apiKey:        opts.APIKey,
		http:          &http.Client{Timeout: opts.Timeout},
		limiter:       newRateLimiter(defaultRequestsPerWindow, defaultWindow),
	}
}

type bugResponse struct {
	Bugs []wireBug `json:"bugs"`
}

type wireBug struct {
	ID          int          `json:"id"`
	Whiteboard  string       `json:"whiteboard"`
	Attachments []wireAttach `json:"attachments"`
}

type wireAttach struct {
	ID         int       `json:"id"`
	IsPatch    bool      `json:"is_patch"`
	IsObsolete bool      `json:"is_obsolete"`
	Author     wireUser  `json:"author"`
	Flags      []wireFlag `json:"flags"`
}

type wireUser struct {
	Name  string `json:"real_name"`
	Email string `json:"email"`
}

type wireFlag struct {
	Name   string   `json:"name"`
	Setter wireUser `json:"setter"`
	Status string   `json:"status"`
}

func (c *httpClient) SearchByWhiteboard(ctx context.Context, pattern string) ([]Bug, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("whiteboard", pattern)
	q.Set("include_fields", "id,whiteboard,attachments")

	var resp bugResponse
	if err := c.get(ctx, "/rest/bug", q, &resp); err != nil {
		return nil, errors.Wrap(err, "searching bugs by whiteboard")
	}

	out := make([]Bug, 0, len(resp.Bugs))
	for _, b := range resp.Bugs {
		out = append(out, toBug(b))
	}
	return out, nil
}

func (c *httpClient) GetBug(ctx context.Context, bugID int) (*Bug, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("include_fields", "id,whiteboard,attachments")

	var resp bugResponse
	if err := c.get(ctx, "/rest/bug/"+strconv.Itoa(bugID), q, &resp); err != nil {
		return nil, errors.Wrapf(err, "fetching bug %d", bugID)
	}
	if len(resp.Bugs) == 0 {
		return nil, errors.Errorf("bug %d not found", bugID)
	}
	b := toBug(resp.Bugs[0])
	return &b, nil
}

func (c *httpClient) UpdateWhiteboard(ctx context.Context, bugID int, whiteboard string) error {
	if err := c.limiter.wait(ctx); err != nil {
		return err
	}
	body := map[string]string{"whiteboard": whiteboard}
	return errors.Wrapf(c.put(ctx, "/rest/bug/"+strconv.Itoa(bugID), body), "updating whiteboard on bug %d", bugID)
}

// postCommentAttempts is how many times PostComment tries before returning
// the last error.
const postCommentAttempts = 3

func (c *httpClient) PostComment(ctx context.Context, bugID int, comment string) error {
	body := map[string]string{"comment": comment}
	var err error
	for attempt := 0; attempt < postCommentAttempts; attempt++ {
		if waitErr := c.limiter.wait(ctx); waitErr != nil {
			return waitErr
		}
		if err = c.post(ctx, "/rest/bug/"+strconv.Itoa(bugID)+"/comment", body); err == nil {
			return nil
		}
	}
	return errors.Wrapf(err, "posting comment on bug %d", bugID)
}

func toBug(w wireBug) Bug {
	b := Bug{ID: w.ID, Whiteboard: w.Whiteboard}
	for _, a := range w.Attachments {
		attach := Attachment{
			ID:         a.ID,
			IsPatch:    a.IsPatch,
			IsObsolete: a.IsObsolete,
			Author:     User(a.Author),
		}
		for _, f := range a.Flags {
			if f.Status == "" {
				continue
			}
			attach.Flags = append(attach.Flags, Flag{
				Type:   f.Name,
				Setter: User(f.Setter),
				Result: f.Status[0],
			})
		}
		b.Attachments = append(b.Attachments, attach)
	}
	return b
}

func (c *httpClient) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *httpClient) put(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *httpClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *httpClient) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("X-Bugzilla-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tracker returned HTTP %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
