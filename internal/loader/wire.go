// Package loader implements the update-server protocol client: it
// fetches a manifest+directive multipart response from the update
// server, validates it, downloads missing assets, and writes them
// atomically into Catalog+FileStore.
package loader

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
)

// DirectiveType enumerates server directives independent of a manifest.
type DirectiveType string

const (
	DirectiveNoUpdateAvailable  DirectiveType = "noUpdateAvailable"
	DirectiveRollBackToEmbedded DirectiveType = "rollBackToEmbedded"
)

// Directive is an instruction from the server independent of any
// manifest.
type Directive struct {
	Type       DirectiveType
	CommitTime int64 // unix millis, only meaningful for RollBackToEmbedded
}

// ManifestAsset describes one asset referenced by a manifest.
type ManifestAsset struct {
	Key          string `json:"key"`
	URL          string `json:"url"`
	ExpectedHash string `json:"hash"`
	Type         string `json:"contentType"`
	IsLaunchAsset bool  `json:"isLaunchAsset"`
}

// Manifest is the JSON description of an update published by the
// server.
type Manifest struct {
	ID              string            `json:"id"`
	CommitTime      int64             `json:"commitTime"` // unix millis
	RuntimeVersion  string            `json:"runtimeVersion"`
	Raw             json.RawMessage   `json:"-"`
	Assets          []ManifestAsset   `json:"assets"`
	ManifestFilters map[string]string `json:"-"`
}

// ServerResponse is the parsed result of a single GET against the
// update server: zero or more of a manifest part, a directive part,
// and manifestFilters carried in response headers. Either part may be
// absent; if both are absent, it is treated as NoUpdateAvailable.
type ServerResponse struct {
	Manifest        *Manifest
	Directive       *Directive
	ManifestFilters map[string]string
}

// ParseManifestFiltersHeader parses the comma-separated key=value list
// carried in the manifestFilters response header.
func ParseManifestFiltersHeader(header string) map[string]string {
	out := map[string]string{}
	if header == "" {
		return out
	}
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// ParseResponse parses the server's multipart manifest+directive
// response. Either part may be absent; if both are, the result is a
// synthetic NoUpdateAvailable directive.
func ParseResponse(resp *http.Response) (*ServerResponse, error) {
	defer resp.Body.Close()

	out := &ServerResponse{
		ManifestFilters: ParseManifestFiltersHeader(resp.Header.Get("expo-manifest-filters")),
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, &ErrProtocol{Reason: fmt.Sprintf("invalid content-type: %v", err)}
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, &ErrProtocol{Reason: fmt.Sprintf("unsupported content-type: %s", mediaType)}
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ErrProtocol{Reason: fmt.Sprintf("malformed multipart body: %v", err)}
		}

		body, err := io.ReadAll(part)
		if err != nil {
			return nil, &ErrProtocol{Reason: fmt.Sprintf("failed to read part %q: %v", part.FormName(), err)}
		}

		switch part.FormName() {
		case "manifest":
			m, err := parseManifestPart(body)
			if err != nil {
				return nil, err
			}
			out.Manifest = m
		case "directive":
			d, err := parseDirectivePart(body)
			if err != nil {
				return nil, err
			}
			out.Directive = d
		}
	}

	if out.Manifest == nil && out.Directive == nil {
		out.Directive = &Directive{Type: DirectiveNoUpdateAvailable}
	}

	return out, nil
}

func parseManifestPart(body []byte) (*Manifest, error) {
	var raw struct {
		ID              string            `json:"id"`
		CommitTime      json.Number       `json:"commitTime"`
		RuntimeVersion  string            `json:"runtimeVersion"`
		Assets          []ManifestAsset   `json:"assets"`
		ManifestFilters map[string]string `json:"manifestFilters"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrProtocol{Reason: fmt.Sprintf("invalid manifest JSON: %v", err)}
	}

	commitTime, err := parseCommitTime(raw.CommitTime.String())
	if err != nil {
		return nil, &ErrProtocol{Reason: fmt.Sprintf("invalid manifest commitTime: %v", err)}
	}

	return &Manifest{
		ID:              raw.ID,
		CommitTime:      commitTime,
		RuntimeVersion:  raw.RuntimeVersion,
		Raw:             json.RawMessage(body),
		Assets:          raw.Assets,
		ManifestFilters: raw.ManifestFilters,
	}, nil
}

func parseDirectivePart(body []byte) (*Directive, error) {
	var raw struct {
		Type       string      `json:"type"`
		CommitTime json.Number `json:"commitTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrProtocol{Reason: fmt.Sprintf("invalid directive JSON: %v", err)}
	}

	switch raw.Type {
	case "rollBackToEmbedded":
		ct, err := parseCommitTime(raw.CommitTime.String())
		if err != nil {
			return nil, &ErrProtocol{Reason: fmt.Sprintf("invalid directive commitTime: %v", err)}
		}
		return &Directive{Type: DirectiveRollBackToEmbedded, CommitTime: ct}, nil
	case "noUpdateAvailable", "":
		return &Directive{Type: DirectiveNoUpdateAvailable}, nil
	default:
		return nil, &ErrProtocol{Reason: fmt.Sprintf("unknown directive type: %s", raw.Type)}
	}
}

func parseCommitTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
