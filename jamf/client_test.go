package jamf

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeJamf struct {
	*httptest.Server
	t *testing.T

	mu          sync.Mutex
	auths       int
	expires     time.Time
	rejectToken string
	packages    map[string]string
	putConfig   map[string]interface{}
	policy      map[string]interface{}
}

func newFakeJamf(t *testing.T) *fakeJamf {
	f := &fakeJamf{
		t:        t,
		expires:  time.Now().Add(time.Hour),
		packages: map[string]string{"Existing-1.0.pkg": "77"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.auths++
		n := f.auths
		expires := f.expires
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"token":   "token-" + string(rune('0'+n)),
			"expires": expires,
		})
	})
	mux.HandleFunc("GET /api/v2/patch-software-titles", f.auth(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("filter") == "" {
			switch q.Get("page") {
			case "0":
				w.Write([]byte(`{"totalCount":3,"results":[{"id":"12","name":"Mozilla Firefox"},{"id":13,"name":"Google Chrome"}]}`))
			case "1":
				w.Write([]byte(`{"totalCount":3,"results":[{"id":"14","name":"Slack"}]}`))
			default:
				w.Write([]byte(`{"totalCount":3,"results":[]}`))
			}
			return
		}
		if q.Get("filter") != `name=="Mozilla Firefox"` {
			w.Write([]byte(`{"totalCount":0,"results":[]}`))
			return
		}
		w.Write([]byte(`{"totalCount":1,"results":[{"id":"12","name":"Mozilla Firefox"}]}`))
	}))
	mux.HandleFunc("GET /api/v2/patch-software-titles/12", f.auth(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"12","displayName":"Mozilla Firefox","definitions":[
			{"version":"128.0.3","minimumOperatingSystem":"10.15","extra":true},
			{"version":"127.0"}]}`))
	}))
	mux.HandleFunc("PUT /api/v2/patch-software-titles/12", f.auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&f.putConfig); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}))
	mux.HandleFunc("POST /api/v1/packages", f.auth(func(w http.ResponseWriter, r *http.Request) {
		rec := new(packageRecord)
		json.NewDecoder(r.Body).Decode(rec)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.packages[rec.PackageName]; ok {
			http.Error(w, `{"errors":[{"code":"DUPLICATE_FIELD"}]}`, http.StatusBadRequest)
			return
		}
		f.packages[rec.PackageName] = "101"
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"101","href":"/api/v1/packages/101"}`))
	}))
	mux.HandleFunc("GET /api/v1/packages", f.auth(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter") == `packageName=="Existing-1.0.pkg"` {
			w.Write([]byte(`{"totalCount":1,"results":[{"id":"77","packageName":"Existing-1.0.pkg"}]}`))
			return
		}
		w.Write([]byte(`{"totalCount":0,"results":[]}`))
	}))
	mux.HandleFunc("GET /api/v1/computer-groups", f.auth(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter") == `name=="Pilot Macs"` {
			w.Write([]byte(`{"totalCount":1,"results":[{"id":5,"name":"Pilot Macs"}]}`))
			return
		}
		w.Write([]byte(`{"totalCount":0,"results":[]}`))
	}))
	mux.HandleFunc("POST /api/v2/patch-policies", f.auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		json.NewDecoder(r.Body).Decode(&f.policy)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"900"}`))
	}))
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeJamf) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		reject := f.rejectToken
		f.mu.Unlock()
		h := r.Header.Get("Authorization")
		if len(h) < 8 || h[:7] != "Bearer " || h[7:] == reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (f *fakeJamf) authCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auths
}

func TestFindTitle(t *testing.T) {
	f := newFakeJamf(t)
	c := New(f.URL+"/", "admin", "secret")
	ctx := context.Background()

	title, err := c.FindTitle(ctx, "Mozilla Firefox")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := title.ID, ID("12"); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if _, err = c.FindTitle(ctx, "Nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, ErrNotFound)
	}

	ok, err := c.HasVersion(ctx, "12", "127.0")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected version 127.0 to exist")
	}
	if ok, _ = c.HasVersion(ctx, "12", "200.0"); ok {
		t.Error("expected version 200.0 to not exist")
	}

	// token is reused across calls
	if have, want := f.authCount(), 1; have != want {
		t.Errorf("auths: have: %v, want: %v", have, want)
	}
}

func TestTitles(t *testing.T) {
	f := newFakeJamf(t)
	c := New(f.URL, "admin", "secret")

	titles, err := c.Titles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []Title{
		{ID: "12", Name: "Mozilla Firefox"},
		{ID: "13", Name: "Google Chrome"},
		{ID: "14", Name: "Slack"},
	}
	if !reflect.DeepEqual(titles, want) {
		t.Errorf("have: %v, want: %v", titles, want)
	}
}

func TestTokenRefresh(t *testing.T) {
	f := newFakeJamf(t)
	f.expires = time.Now().Add(30 * time.Second)
	c := New(f.URL, "admin", "secret")
	ctx := context.Background()

	// tokens inside the grace period are refreshed
	for i := 0; i < 2; i++ {
		if _, err := c.FindTitle(ctx, "Mozilla Firefox"); err != nil {
			t.Fatal(err)
		}
	}
	if have, want := f.authCount(), 2; have != want {
		t.Errorf("auths: have: %v, want: %v", have, want)
	}

	// a rejected token is refreshed once
	f.mu.Lock()
	f.expires = time.Now().Add(time.Hour)
	f.rejectToken = "token-3"
	f.mu.Unlock()
	c.invalidate()
	if _, err := c.FindTitle(ctx, "Mozilla Firefox"); err != nil {
		t.Fatal(err)
	}
	if have, want := f.authCount(), 4; have != want {
		t.Errorf("auths: have: %v, want: %v", have, want)
	}

	bad := New(f.URL, "admin", "wrong")
	var apiErr *APIError
	if _, err := bad.FindTitle(ctx, "Mozilla Firefox"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 api error, have: %v", err)
	}
}

func TestLinkPackage(t *testing.T) {
	f := newFakeJamf(t)
	c := New(f.URL, "admin", "secret")
	ctx := context.Background()

	if err := c.LinkPackage(ctx, "12", "128.0.3", PackageRef{ID: "101", Name: "firefox-128.0.3"}); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	defs := f.putConfig["definitions"].([]interface{})
	f.mu.Unlock()
	def := defs[0].(map[string]interface{})
	want := map[string]interface{}{"id": "101", "name": "firefox-128.0.3", "displayName": "firefox-128.0.3"}
	if have := def["package"]; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
	// unmodeled fields survive
	if have, want := def["extra"], true; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if err := c.LinkPackage(ctx, "12", "999", PackageRef{ID: "1"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, ErrNotFound)
	}
}

type fakeDistributor struct {
	paths []string
}

func (d *fakeDistributor) Distribute(_ context.Context, path string) error {
	d.paths = append(d.paths, path)
	return nil
}

func TestUploadPackage(t *testing.T) {
	f := newFakeJamf(t)
	dist := new(fakeDistributor)
	c := New(f.URL, "admin", "secret", WithDistributor(dist))
	ctx := context.Background()
	dir := t.TempDir()

	for _, test := range []struct {
		name string
		id   string
	}{
		{"Firefox-128.0.3.dmg", "101"},
		{"Existing-1.0.pkg", "77"},
	} {
		p := filepath.Join(dir, test.name)
		if err := os.WriteFile(p, []byte("pkg"), 0644); err != nil {
			t.Fatal(err)
		}
		id, err := c.UploadPackage(ctx, p)
		if err != nil {
			t.Fatalf("%s: %v", test.name, err)
		}
		if id != test.id {
			t.Errorf("%s: have: %v, want: %v", test.name, id, test.id)
		}
	}
	if have, want := len(dist.paths), 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if _, err := c.UploadPackage(ctx, filepath.Join(dir, "missing.pkg")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCreatePolicy(t *testing.T) {
	f := newFakeJamf(t)
	c := New(f.URL, "admin", "secret")
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	ctx := context.Background()

	groupID, err := c.GroupID(ctx, "Pilot Macs")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := groupID, "5"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if _, err = c.GroupID(ctx, "Nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, ErrNotFound)
	}

	id, err := c.CreatePolicy(ctx, &PolicySpec{
		Name:     "Patch - firefox - standard",
		Version:  "128.0.3",
		TitleID:  "12",
		GroupIDs: []string{groupID},
		Enabled:  true,
		UserInteraction: UserInteraction{
			MessageStart:   "Updating",
			AllowDeferral:  true,
			DeferralPeriod: 3,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := id, "900"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	f.mu.Lock()
	p := f.policy
	f.mu.Unlock()
	if have, want := p["targetPatchVersion"], "128.0.3"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := p["releaseDate"], float64(1700000000000); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	targets := p["scope"].(map[string]interface{})["targets"].(map[string]interface{})
	if have, want := targets["computerGroups"], []interface{}{"5"}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
	ui := p["userInteraction"].(map[string]interface{})
	if have, want := ui["deferralPeriod"], float64(3); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestIDUnmarshal(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"12","b":34,"c":null}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.A != "12" || v.B != "34" || v.C != "" {
		t.Errorf("unexpected ids: %+v", v)
	}
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Distributor(t *testing.T) {
	p := filepath.Join(t.TempDir(), "Slack-4.39.dmg")
	if err := os.WriteFile(p, []byte("slack"), 0644); err != nil {
		t.Fatal(err)
	}
	client := new(fakeS3)
	d := newS3Distributor(client, S3Config{Bucket: "dist", Prefix: "/packages/"})
	if err := d.Distribute(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if have, want := *client.input.Key, "packages/Slack-4.39.dmg"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := *client.input.Bucket, "dist"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := string(client.body), "slack"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
