package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnlabs/kiln/pkg/types"
)

// normalizeBaseURL accepts "host", "host:port" or a full URL and
// returns a scheme-qualified base with no trailing slash.
func normalizeBaseURL(host string) string {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/")
}

// classifyHTTPStatus maps a failed HTTP response onto the error
// taxonomy, folding a short body excerpt into the message.
func classifyHTTPStatus(resp *http.Response, backend string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	detail := strings.TrimSpace(string(snippet))
	if detail == "" {
		detail = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewError(types.CodeAuthError, "%s rejected credentials: %s", backend, detail)
	case http.StatusNotFound:
		return types.NewError(types.CodeNotFound, "%s: %s", backend, detail)
	case http.StatusConflict:
		return types.NewError(types.CodeConflict, "%s: %s", backend, detail)
	}
	return types.NewError(types.CodeError, "%s returned %d: %s", backend, resp.StatusCode, detail)
}

// httpJSON runs one REST call. A non-nil body is sent as JSON; a
// non-nil out receives the decoded response. 204 and empty bodies
// leave out untouched.
func httpJSON(ctx context.Context, client *http.Client, method, url, backend string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return types.WrapError(types.CodeInternal, err, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := timeoutCtx(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "failed to build request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return types.WrapError(types.CodeError, err, "%s request failed", backend)
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus(resp, backend); err != nil {
		return err
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return types.WrapError(types.CodeError, err, "failed to decode %s response", backend)
		}
	}
	return nil
}

// openLocalFile opens a file for staging to a printer, translating OS
// errors into coded ones.
func openLocalFile(localPath string) (*os.File, error) {
	f, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.CodeFileNotFound, "local file not found: %s", localPath)
		}
		if os.IsPermission(err) {
			return nil, types.NewError(types.CodePermissionError, "local file not readable: %s", localPath)
		}
		return nil, types.WrapError(types.CodeError, err, "failed to open %s", localPath)
	}
	return f, nil
}

// uploadMultipart streams a local file as a multipart POST so large
// G-code never sits in memory. Extra form fields ride along with the
// file part.
func uploadMultipart(ctx context.Context, client *http.Client, url, backend string, headers map[string]string, localPath string, fields map[string]string) error {
	f, err := openLocalFile(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile("file", filepath.Base(localPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	ctx, cancel := timeoutCtx(ctx, transferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "failed to build upload request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return types.WrapError(types.CodeError, err, "%s upload failed", backend)
	}
	defer resp.Body.Close()
	return classifyHTTPStatus(resp, backend)
}
