// Package callcontrol answers and hangs up calls against the telephony
// control-plane REST API, authenticating requests with the HMAC scheme
// carried by the service connection string.
package callcontrol

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiVersion = "2024-04-15"

// Audio formats the media streaming API can deliver.
const (
	FormatPCM16KMono = "pcm16KMono"
	FormatPCM24KMono = "pcm24KMono"
)

// StreamingAudioFormat maps a telephony sample rate to the audio format
// the service must be asked for at answer time. The media stream only
// carries PCM at these two rates.
func StreamingAudioFormat(sampleRate int) (string, error) {
	switch sampleRate {
	case 16000:
		return FormatPCM16KMono, nil
	case 24000:
		return FormatPCM24KMono, nil
	}
	return "", fmt.Errorf("no streaming audio format delivers %d Hz", sampleRate)
}

// Credentials are the parsed parts of a service connection string.
type Credentials struct {
	Endpoint  *url.URL
	AccessKey []byte
}

// ParseConnectionString splits "endpoint=...;accesskey=..." into usable
// credentials. Key order in the string does not matter.
func ParseConnectionString(s string) (Credentials, error) {
	var creds Credentials
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Credentials{}, fmt.Errorf("malformed connection string segment %q", key)
		}
		switch strings.ToLower(key) {
		case "endpoint":
			u, err := url.Parse(strings.TrimSuffix(value, "/"))
			if err != nil || u.Scheme == "" || u.Host == "" {
				return Credentials{}, fmt.Errorf("invalid endpoint in connection string: %q", value)
			}
			creds.Endpoint = u
		case "accesskey":
			decoded, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return Credentials{}, fmt.Errorf("invalid access key in connection string: %w", err)
			}
			creds.AccessKey = decoded
		}
	}
	if creds.Endpoint == nil || len(creds.AccessKey) == 0 {
		return Credentials{}, errors.New("connection string must carry endpoint and accesskey")
	}
	return creds, nil
}

// Client issues authenticated call-control requests.
type Client struct {
	creds Credentials
	http  *http.Client
	now   func() time.Time
}

// NewClient builds a client from a raw connection string.
func NewClient(connectionString string) (*Client, error) {
	creds, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	return &Client{
		creds: creds,
		http:  &http.Client{Timeout: 15 * time.Second},
		now:   time.Now,
	}, nil
}

// AnswerRequest carries everything needed to answer an inbound call and
// start bidirectional media streaming toward the bridge.
type AnswerRequest struct {
	IncomingCallContext string
	CallbackURI         string
	TransportURL        string

	// AudioFormat names the media stream format to request, one of the
	// Format constants. It must match the rate the bridge transcodes at,
	// or playback is garbled with no error from either side.
	AudioFormat string
}

type mediaStreamingOptions struct {
	TransportURL        string `json:"transportUrl"`
	TransportType       string `json:"transportType"`
	ContentType         string `json:"contentType"`
	AudioChannelType    string `json:"audioChannelType"`
	AudioFormat         string `json:"audioFormat"`
	StartMediaStreaming bool   `json:"startMediaStreaming"`
	EnableBidirectional bool   `json:"enableBidirectional"`
}

type answerCallBody struct {
	IncomingCallContext   string                `json:"incomingCallContext"`
	CallbackURI           string                `json:"callbackUri"`
	MediaStreamingOptions mediaStreamingOptions `json:"mediaStreamingOptions"`
}

type answerCallResponse struct {
	CallConnectionID string `json:"callConnectionId"`
}

// AnswerCall accepts an inbound call and returns its call connection id.
func (c *Client) AnswerCall(ctx context.Context, req AnswerRequest) (string, error) {
	audioFormat := req.AudioFormat
	if audioFormat == "" {
		audioFormat = FormatPCM16KMono
	}
	body := answerCallBody{
		IncomingCallContext: req.IncomingCallContext,
		CallbackURI:         req.CallbackURI,
		MediaStreamingOptions: mediaStreamingOptions{
			TransportURL:        req.TransportURL,
			TransportType:       "websocket",
			ContentType:         "audio",
			AudioChannelType:    "mixed",
			AudioFormat:         audioFormat,
			StartMediaStreaming: true,
			EnableBidirectional: true,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, "/calling/callConnections:answer", payload)
	if err != nil {
		return "", fmt.Errorf("answer call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", apiError("answer call", resp)
	}

	var out answerCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("answer call: decode response: %w", err)
	}
	if out.CallConnectionID == "" {
		return "", errors.New("answer call: response missing callConnectionId")
	}
	return out.CallConnectionID, nil
}

// HangUp terminates an answered call for everyone on it. A call already
// gone on the service side is treated as success.
func (c *Client) HangUp(ctx context.Context, callConnectionID string) error {
	path := "/calling/callConnections/" + url.PathEscape(callConnectionID)
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("hang up: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return apiError("hang up", resp)
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	u := *c.creds.Endpoint
	u.Path = path
	u.RawQuery = "api-version=" + apiVersion

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	signRequest(req, payload, c.creds.AccessKey, c.now().UTC())

	slog.Debug("[CallControl] Request", "method", method, "path", path)
	return c.http.Do(req)
}

// signRequest applies the shared-key HMAC scheme: the signature covers
// the verb, path with query, request date, host and body hash.
func signRequest(req *http.Request, payload []byte, key []byte, at time.Time) {
	bodyHash := sha256.Sum256(payload)
	contentHash := base64.StdEncoding.EncodeToString(bodyHash[:])
	date := at.Format(http.TimeFormat)

	pathAndQuery := req.URL.Path
	if req.URL.RawQuery != "" {
		pathAndQuery += "?" + req.URL.RawQuery
	}
	stringToSign := req.Method + "\n" + pathAndQuery + "\n" + date + ";" + req.URL.Host + ";" + contentHash

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)
	req.Header.Set("Authorization",
		"HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
}

func apiError(op string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: service returned %s: %s", op, resp.Status, strings.TrimSpace(string(detail)))
}
