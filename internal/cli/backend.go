package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coderunr/judger/internal/config"
	"github.com/coderunr/judger/internal/judge"
	"github.com/coderunr/judger/internal/language"
	"github.com/coderunr/judger/internal/sandbox"
	"github.com/coderunr/judger/internal/types"
	"github.com/coderunr/judger/internal/workspace"
)

// Backend submits work either to a judger server or to an in-process judge
type Backend interface {
	Submit(ctx context.Context, mode types.Mode, request *types.JudgeRequest) (*types.Result, error)
	Languages(ctx context.Context) ([]types.LanguageInfo, error)
}

// newBackend picks the backend selected by the persistent flags
func newBackend(cmd *cobra.Command) (Backend, error) {
	local, _ := cmd.Flags().GetBool("local")
	if !local {
		url, _ := cmd.Flags().GetString("url")
		return newHTTPBackend(url), nil
	}

	configFile, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	return newLocalBackend(configFile, verbose)
}

type httpBackend struct {
	baseURL string
	client  *http.Client
}

func newHTTPBackend(baseURL string) *httpBackend {
	return &httpBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

func (b *httpBackend) Submit(ctx context.Context, mode types.Mode, request *types.JudgeRequest) (*types.Result, error) {
	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/v1/"+string(mode), bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// Faults still carry a result with the IE verdict
	var result types.Result
	if err := json.Unmarshal(body, &result); err == nil && result.Verdict != "" {
		return &result, nil
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr types.ErrorResponse
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil, fmt.Errorf("failed to decode response: %s", string(body))
}

func (b *httpBackend) Languages(ctx context.Context) ([]types.LanguageInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/v1/languages", nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch languages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var languages []types.LanguageInfo
	if err := json.NewDecoder(resp.Body).Decode(&languages); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return languages, nil
}

// localBackend judges in this process with the server's configuration
type localBackend struct {
	manager *judge.Manager
}

func newLocalBackend(configFile string, verbose bool) (*localBackend, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	logrus.SetLevel(logrus.WarnLevel)
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	registry, err := language.NewRegistry(cfg.Languages)
	if err != nil {
		return nil, err
	}
	workspaces, err := workspace.NewManager(cfg.VolumeRoot)
	if err != nil {
		return nil, err
	}
	provider, err := sandbox.NewProvider(cfg)
	if err != nil {
		return nil, err
	}

	return &localBackend{manager: judge.NewManager(cfg, registry, workspaces, provider)}, nil
}

func (b *localBackend) Submit(ctx context.Context, mode types.Mode, request *types.JudgeRequest) (*types.Result, error) {
	opts := []judge.Option{judge.WithVersion(request.Version)}

	var (
		result *types.Result
		err    error
	)
	if mode == types.ModeRun {
		result, err = b.manager.CustomRun(ctx, &request.Submission, opts...)
	} else {
		result, err = b.manager.Judge(ctx, &request.Submission, opts...)
	}

	// A fault is reported through the IE verdict
	if result != nil {
		return result, nil
	}
	return nil, err
}

func (b *localBackend) Languages(context.Context) ([]types.LanguageInfo, error) {
	profiles := b.manager.Registry().List()

	languages := make([]types.LanguageInfo, len(profiles))
	for i, p := range profiles {
		languages[i] = types.LanguageInfo{
			Language:  p.Language(),
			Version:   p.Version().String(),
			Aliases:   p.Aliases(),
			Extension: p.Extension(),
			Compiled:  p.Compiled(),
		}
	}
	return languages, nil
}
