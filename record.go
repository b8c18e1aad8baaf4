package ephemeral

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"gopkg.in/yaml.v2"
)

// record is the persisted form of a Fixture.
type record struct {
	URL       string    `yaml:"url"`
	Request   *Request  `yaml:"request"`
	Response  *Response `yaml:"response"`
	CreatedAt string    `yaml:"created_at"`
}

func marshalFixture(f *Fixture) ([]byte, error) {
	rec := record{
		URL:       f.URL.String(),
		Request:   f.Request,
		Response:  f.Response,
		CreatedAt: f.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return yaml.Marshal(rec)
}

func unmarshalFixture(data []byte) (*Fixture, error) {
	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.URL == "" {
		return nil, errors.New("missing url")
	}
	u, err := url.Parse(rec.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if rec.Response == nil {
		return nil, errors.New("missing response")
	}
	created, err := time.Parse(time.RFC3339Nano, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &Fixture{
		URL:       NormalizeURL(u),
		Request:   rec.Request.clone(),
		Response:  rec.Response,
		CreatedAt: created,
	}, nil
}
