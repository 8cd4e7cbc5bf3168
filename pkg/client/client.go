// Package client implements the outbound Blob Store client: the external
// collaborator C6 seals canonicalized ingest batches into (spec.md §1).
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

//go:generate moq -rm -out ../test/client_mock.go . BlobStoreClient

// BlobStoreClient puts objects into the external Blob Store named in
// spec.md §1; the ingest gateway depends on the narrower ingest.BlobStore
// interface, which this type satisfies.
type BlobStoreClient interface {
	Put(ctx context.Context, path, contentType string, body []byte) error
	Close(ctx context.Context)
}

type blobClient struct {
	baseURL           string
	clientCredentials *clientcredentials.Config
	httpClient        http.Client
	debugClient       bool

	oauthCtx    context.Context
	cachedToken *oauth2.Token
	tokenMutex  sync.RWMutex
}

var tracer = otel.Tracer("device-core/blobclient")

// New constructs a Blob Store client backed by an OAuth2 client-credentials
// grant, following the teacher's bearer-token-caching idiom
// (pkg/client/client.go's devManagementClient).
func New(ctx context.Context, baseURL, oauthTokenURL string, insecureTokenURL bool, clientID, clientSecret string, debugClient bool) (BlobStoreClient, error) {
	oauthConfig := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     oauthTokenURL,
	}

	httpTransport := http.DefaultTransport
	if insecureTokenURL {
		if trans, ok := httpTransport.(*http.Transport); ok {
			if trans.TLSClientConfig == nil {
				trans.TLSClientConfig = &tls.Config{}
			}
			trans.TLSClientConfig.InsecureSkipVerify = true
		}
	}

	httpClient := &http.Client{Transport: otelhttp.NewTransport(httpTransport)}
	oauthCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	token, err := oauthConfig.Token(oauthCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get client credentials from %s: %w", oauthConfig.TokenURL, err)
	}
	if !token.Valid() {
		return nil, fmt.Errorf("an invalid token was returned from %s", oauthTokenURL)
	}

	return &blobClient{
		baseURL:           baseURL,
		clientCredentials: oauthConfig,
		httpClient:        *httpClient,
		debugClient:       debugClient,
		oauthCtx:          oauthCtx,
		cachedToken:       token,
	}, nil
}

func (c *blobClient) Close(ctx context.Context) {}

func (c *blobClient) invalidateTokenCache() {
	c.tokenMutex.Lock()
	defer c.tokenMutex.Unlock()
	c.cachedToken = nil
}

func (c *blobClient) refreshToken(ctx context.Context) (token *oauth2.Token, err error) {
	ctx, span := tracer.Start(ctx, "refresh-token")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	c.tokenMutex.RLock()
	if c.cachedToken != nil && c.cachedToken.Valid() {
		token = c.cachedToken
		c.tokenMutex.RUnlock()
		return token, nil
	}
	c.tokenMutex.RUnlock()

	c.tokenMutex.Lock()
	defer c.tokenMutex.Unlock()

	if c.cachedToken != nil && c.cachedToken.Valid() {
		return c.cachedToken, nil
	}

	log := logging.GetFromContext(ctx)

	var lastErr error
	const maxRetries = 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
			log.Debug("retrying token refresh", "attempt", attempt+1, "backoff", backoff)
			time.Sleep(backoff)
		}

		token, lastErr = c.clientCredentials.Token(c.oauthCtx)
		if lastErr == nil {
			if !token.Valid() {
				lastErr = fmt.Errorf("received invalid token from %s", c.clientCredentials.TokenURL)
				continue
			}
			c.cachedToken = token
			return token, nil
		}
	}

	return nil, fmt.Errorf("failed to refresh token after %d attempts: %w", maxRetries, lastErr)
}

func (c *blobClient) dumpIfFailedAndDebugEnabled(ctx context.Context, req *http.Request, resp *http.Response) {
	if c.debugClient && resp.StatusCode >= http.StatusBadRequest {
		reqbytes, _ := httputil.DumpRequest(req, false)
		respbytes, _ := httputil.DumpResponse(resp, false)
		log := logging.GetFromContext(ctx)
		log.Debug("blob store request failed", "request", string(reqbytes), "response", string(respbytes))
	}
}

// Put writes body to path with content-type; transient failures are the
// caller's (ingest.Gateway's) responsibility to classify as
// storage_error per spec.md §4.6 step 6.
func (c *blobClient) Put(ctx context.Context, path, contentType string, body []byte) error {
	var err error
	ctx, span := tracer.Start(ctx, "blob-put")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	url := c.baseURL + "/" + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create blob put request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	token, err := c.refreshToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("blob put failed: %w", err)
	}
	defer func() {
		resp.Body.Close()
	}()

	c.dumpIfFailedAndDebugEnabled(ctx, req, resp)

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateTokenCache()
		token, retryErr := c.refreshToken(ctx)
		if retryErr != nil {
			return fmt.Errorf("blob put unauthorized and token refresh failed: %w", retryErr)
		}
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
		req.Body = http.NoBody
		retryReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		retryReq.Header.Set("Content-Type", contentType)
		retryReq.Header.Set("Authorization", "Bearer "+token.AccessToken)

		resp2, err := c.httpClient.Do(retryReq)
		if err != nil {
			return fmt.Errorf("blob put retry failed: %w", err)
		}
		defer resp2.Body.Close()

		if resp2.StatusCode < http.StatusBadRequest {
			return nil
		}
		return fmt.Errorf("blob put retry failed with status %d", resp2.StatusCode)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		err = fmt.Errorf("blob put failed with status %d", resp.StatusCode)
		return err
	}

	return nil
}
