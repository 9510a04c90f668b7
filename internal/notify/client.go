// Package notify pushes detection alerts to a Matrix room.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is a minimal Matrix REST client: media upload plus room message
// events, authenticated with a bearer token.
type Client struct {
	homeServer  string
	accessToken string
	roomID      string
	httpClient  *http.Client
}

// NewClient validates the three required credentials.
func NewClient(homeServer, accessToken, roomID string) (*Client, error) {
	if homeServer == "" || accessToken == "" || roomID == "" {
		return nil, fmt.Errorf("matrix home server, access token and room id are all required")
	}
	return &Client{
		homeServer:  strings.TrimRight(homeServer, "/"),
		accessToken: accessToken,
		roomID:      roomID,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Upload posts raw bytes to the media repository and returns the MXC URI.
func (c *Client) Upload(data []byte, contentType string) (string, error) {
	url := c.homeServer + "/_matrix/media/r0/upload"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading media: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("uploading media: status %d: %s", resp.StatusCode, body)
	}
	var parsed struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parsing upload response: %w", err)
	}
	if parsed.ContentURI == "" {
		return "", fmt.Errorf("upload response carries no content_uri")
	}
	return parsed.ContentURI, nil
}

// sendEvent PUTs one m.room.message event with a fresh transaction id.
func (c *Client) sendEvent(content map[string]any) error {
	txnID := uuid.NewString()
	url := fmt.Sprintf("%s/_matrix/client/r0/rooms/%s/send/m.room.message/%s",
		c.homeServer, c.roomID, txnID)

	body, err := json.Marshal(content)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sending event: status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// SendText posts a plain m.text message.
func (c *Client) SendText(message string) error {
	if message == "" {
		return nil
	}
	return c.sendEvent(map[string]any{
		"msgtype": "m.text",
		"body":    message,
	})
}

// SendJPEG uploads the image and posts an m.image event referencing it.
func (c *Client) SendJPEG(jpeg []byte, width, height int, caption string) error {
	mxc, err := c.Upload(jpeg, "image/jpeg")
	if err != nil {
		return err
	}
	return c.sendEvent(map[string]any{
		"msgtype": "m.image",
		"body":    caption,
		"url":     mxc,
		"info": map[string]any{
			"mimetype": "image/jpeg",
			"w":        width,
			"h":        height,
			"size":     len(jpeg),
		},
	})
}

// SendVideo uploads the video, then the thumbnail, and posts an m.video
// event. Thumbnail dimensions are the thumbnail's own.
func (c *Client) SendVideo(video []byte, caption string, durationMs int,
	thumbnail []byte, thumbWidth, thumbHeight int) error {

	videoMXC, err := c.Upload(video, "video/mp4")
	if err != nil {
		return err
	}
	info := map[string]any{
		"mimetype": "video/mp4",
		"size":     len(video),
	}
	if durationMs > 0 {
		info["duration"] = durationMs
	}
	if len(thumbnail) > 0 {
		thumbMXC, err := c.Upload(thumbnail, "image/jpeg")
		if err == nil {
			info["thumbnail_url"] = thumbMXC
			info["thumbnail_info"] = map[string]any{
				"mimetype": "image/jpeg",
				"size":     len(thumbnail),
				"w":        thumbWidth,
				"h":        thumbHeight,
			}
			if thumbWidth > 0 && thumbHeight > 0 {
				info["w"] = thumbWidth
				info["h"] = thumbHeight
			}
		}
	}
	return c.sendEvent(map[string]any{
		"msgtype": "m.video",
		"body":    caption,
		"url":     videoMXC,
		"info":    info,
	})
}
