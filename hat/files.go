package hat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
)

// FileSource is recorded as the origin of every uploaded file
const FileSource = "iPhone"

type fileUpload struct {
	Name   string   `json:"name"`
	Source string   `json:"source"`
	Tags   []string `json:"tags,omitempty"`
}

type fileMeta struct {
	FileID     string `json:"fileId"`
	ContentURL string `json:"contentUrl,omitempty"`
}

// Upload stores data with the HAT file API and returns the permanent content
// URL. It implements blob.Uploader.
//
// The HAT registers the file first and answers with a pre-signed URL the bytes
// are PUT to; the upload is then marked complete.
func (c *Client) Upload(ctx context.Context, name string, data []byte, tags []string) (string, error) {
	var meta fileMeta
	err := c.doJSON(ctx, "upload "+name, http.MethodPost, path.Join(APIPrefix, "files", "upload"), nil,
		fileUpload{Name: name, Source: FileSource, Tags: tags}, &meta)
	if err != nil {
		return "", err
	}
	if meta.FileID == "" || meta.ContentURL == "" {
		return "", &APIError{Op: "upload " + name, Status: http.StatusOK, Err: fmt.Errorf("incomplete file registration")}
	}

	if err := c.putContent(ctx, name, meta.ContentURL, data); err != nil {
		return "", err
	}

	err = c.doJSON(ctx, "complete "+name, http.MethodPut, path.Join(APIPrefix, "files", "file", meta.FileID, "complete"), nil, nil, nil)
	if err != nil {
		return "", err
	}

	u := *c.baseURL
	u.Path = path.Join(u.Path, APIPrefix, "files", "content", meta.FileID)
	return u.String(), nil
}

// putContent sends the bytes to the storage URL handed out by the HAT. That
// URL is pre-signed, so no access token is attached.
func (c *Client) putContent(ctx context.Context, name, contentURL string, data []byte) error {
	op := "upload content " + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, contentURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("hat %s: %w", op, err)
	}
	req.Header.Set("x-amz-server-side-encryption", "AES256")

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Op: op, Status: resp.StatusCode, Body: string(b)}
	}
	return nil
}
