// Package hub resolves model names to local weight files, downloading and
// caching from a HuggingFace-compatible hub as needed.
//
// A name is either a path to an existing local file, "owner/repo" (the
// largest .gguf file in the repo is picked), or "owner/repo:file.gguf".
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"workerbee/internal/common/fsutil"
)

const (
	defaultHubURL = "https://huggingface.co"
	defaultAPIURL = "https://huggingface.co/api"

	// cachePrefix mirrors the huggingface_hub cache naming scheme.
	cachePrefix = "models--"
)

type modelNotFoundError struct{ name string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.name }

// IsNotFound reports whether err indicates an unknown model name.
func IsNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}

// Options tunes a Resolver; zero values select production defaults.
type Options struct {
	HubURL     string
	APIURL     string
	HTTPClient *http.Client
	// Progress is called with a 0-100 percentage during downloads.
	Progress func(name string, pct int)
}

// Resolver maps model names to local file paths.
type Resolver struct {
	dir      string
	hubURL   string
	apiURL   string
	client   *http.Client
	progress func(name string, pct int)
}

// New creates a Resolver caching into dir (created if missing).
func New(dir string, opts Options) (*Resolver, error) {
	abs, err := fsutil.EnsureDir(dir)
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		dir:      abs,
		hubURL:   opts.HubURL,
		apiURL:   opts.APIURL,
		client:   opts.HTTPClient,
		progress: opts.Progress,
	}
	if r.hubURL == "" {
		r.hubURL = defaultHubURL
	}
	if r.apiURL == "" {
		r.apiURL = defaultAPIURL
	}
	if r.client == nil {
		// Long timeout: multi-GB weight downloads.
		r.client = &http.Client{Timeout: 30 * time.Minute}
	}
	return r, nil
}

// Dir returns the cache directory.
func (r *Resolver) Dir() string { return r.dir }

// Resolve returns a local path for name, downloading on a cache miss.
// It may block on network and disk for a long time; pass a cancellable ctx.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", modelNotFoundError{name: "(empty)"}
	}
	// Direct path to a local weight file.
	if fsutil.PathExists(name) {
		return filepath.Abs(name)
	}
	// Bare filename already present in the models dir.
	if local := filepath.Join(r.dir, filepath.Base(name)); name == filepath.Base(name) && fsutil.PathExists(local) {
		return local, nil
	}

	repo, file := splitName(name)
	if !strings.Contains(repo, "/") {
		return "", modelNotFoundError{name: name}
	}
	if file == "" {
		sib, err := r.pickFile(ctx, repo)
		if err != nil {
			return "", err
		}
		file = sib.Filename
	}

	local := filepath.Join(r.dir, cacheFileName(repo, file))
	if fsutil.PathExists(local) {
		return local, nil
	}

	size, err := r.EstimateSize(ctx, name)
	if err != nil {
		log.Debug().Err(err).Str("model", name).Msg("size estimate unavailable")
	}
	if err := r.ReserveSpace(size); err != nil {
		return "", err
	}
	if err := r.download(ctx, repo, file, local); err != nil {
		return "", err
	}
	return local, nil
}

// EstimateSize returns the byte size of the weight file name resolves to,
// from hub metadata alone.
func (r *Resolver) EstimateSize(ctx context.Context, name string) (int64, error) {
	repo, file := splitName(name)
	if !strings.Contains(repo, "/") {
		return 0, modelNotFoundError{name: name}
	}
	if file == "" {
		s, err := r.pickFile(ctx, repo)
		if err != nil {
			return 0, err
		}
		return s.size(), nil
	}
	info, err := r.modelInfo(ctx, repo)
	if err != nil {
		return 0, err
	}
	for _, s := range info.Siblings {
		if s.Filename == file {
			return s.size(), nil
		}
	}
	return 0, modelNotFoundError{name: name}
}

// ReserveSpace is the pre-download disk reservation hook. It currently
// performs no action; eviction of stale cached weights belongs here.
func (r *Resolver) ReserveSpace(bytes int64) error {
	_ = bytes
	return nil
}

type sibling struct {
	Filename string   `json:"rfilename"`
	Size     int64    `json:"size"`
	LFS      *lfsInfo `json:"lfs,omitempty"`
}

type lfsInfo struct {
	Size int64 `json:"size"`
}

func (s sibling) size() int64 {
	if s.LFS != nil && s.LFS.Size > 0 {
		return s.LFS.Size
	}
	return s.Size
}

type modelInfo struct {
	ID       string    `json:"id"`
	Siblings []sibling `json:"siblings"`
}

func (r *Resolver) modelInfo(ctx context.Context, repo string) (*modelInfo, error) {
	u := fmt.Sprintf("%s/models/%s", strings.TrimRight(r.apiURL, "/"), repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, modelNotFoundError{name: repo}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub api %s: %s", repo, resp.Status)
	}
	var info modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("hub api decode: %w", err)
	}
	return &info, nil
}

// pickFile selects the largest .gguf sibling of repo.
func (r *Resolver) pickFile(ctx context.Context, repo string) (sibling, error) {
	info, err := r.modelInfo(ctx, repo)
	if err != nil {
		return sibling{}, err
	}
	var ggufs []sibling
	for _, s := range info.Siblings {
		if strings.HasSuffix(strings.ToLower(s.Filename), ".gguf") {
			ggufs = append(ggufs, s)
		}
	}
	if len(ggufs) == 0 {
		return sibling{}, modelNotFoundError{name: repo}
	}
	sort.Slice(ggufs, func(i, j int) bool { return ggufs[i].size() > ggufs[j].size() })
	return ggufs[0], nil
}

func (r *Resolver) download(ctx context.Context, repo, file, dst string) error {
	u := fmt.Sprintf("%s/%s/resolve/main/%s", strings.TrimRight(r.hubURL, "/"), repo, file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return modelNotFoundError{name: repo + ":" + file}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %s", file, resp.Status)
	}

	// Write to a temp file in the same dir, rename on success so the cache
	// never holds a partial weight file.
	tmp, err := os.CreateTemp(r.dir, file+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	body := io.Reader(resp.Body)
	if r.progress != nil && resp.ContentLength > 0 {
		body = &progressReader{r: resp.Body, total: resp.ContentLength, name: file, report: r.progress}
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("download %s: %w", file, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if r.progress != nil {
		r.progress(file, 100)
	}
	log.Info().Str("repo", repo).Str("file", file).Str("path", dst).Msg("model downloaded")
	return os.Rename(tmp.Name(), dst)
}

// progressReader reports download percentage as whole-point changes.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	name   string
	report func(name string, pct int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if pct := int(p.read * 100 / p.total); pct != p.last {
		p.last = pct
		p.report(p.name, pct)
	}
	return n, err
}

func splitName(name string) (repo, file string) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// cacheFileName flattens repo/file into one cache entry name,
// e.g. models--thebloke--zephyr-7b--zephyr.Q4_K_M.gguf.
func cacheFileName(repo, file string) string {
	flat := strings.ToLower(strings.ReplaceAll(repo, "/", "--"))
	return cachePrefix + flat + "--" + file
}
