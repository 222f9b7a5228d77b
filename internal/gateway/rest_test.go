package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"testing"

	"gotest.tools/assert"

	"github.com/manifoldmcp/manifold/internal/config"
)

type invokeResult struct {
	IsError bool `json:"isError"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func postInvoke(t *testing.T, client *http.Client, url string, body []byte) (int, []byte) {
	t.Helper()
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	assert.NilError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	assert.NilError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func TestToolIndexListsAggregatedTools(t *testing.T) {
	f := newFixture(t, nil)

	status, body := httpGet(t, nil, f.ts.URL+"/pub/api")
	assert.Equal(t, status, http.StatusOK)

	var index struct {
		Endpoint  string `json:"endpoint"`
		Namespace string `json:"namespace"`
		Tools     []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	assert.NilError(t, json.Unmarshal(body, &index))
	assert.Equal(t, index.Endpoint, "pub")
	assert.Equal(t, index.Namespace, "core")

	names := make([]string, 0, len(index.Tools))
	for _, tool := range index.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.DeepEqual(t, names, []string{"B__search", "fetch", "post", "search"})
}

func TestToolInvokeRoutesToMember(t *testing.T) {
	f := newFixture(t, nil)

	status, body := postInvoke(t, nil, f.ts.URL+"/pub/api/tools/search", nil)
	assert.Equal(t, status, http.StatusOK)

	var res invokeResult
	assert.NilError(t, json.Unmarshal(body, &res))
	assert.Assert(t, !res.IsError)
	assert.Equal(t, res.Content[0].Text, "alpha:search")

	status, body = postInvoke(t, nil, f.ts.URL+"/pub/api/tools/B__search", nil)
	assert.Equal(t, status, http.StatusOK)
	assert.NilError(t, json.Unmarshal(body, &res))
	assert.Equal(t, res.Content[0].Text, "beta:search")

	assert.Equal(t, f.counter.get("alpha/search"), 1)
	assert.Equal(t, f.counter.get("beta/search"), 1)
}

func TestToolInvokeUnknownToolIsNotFound(t *testing.T) {
	f := newFixture(t, nil)

	status, body := postInvoke(t, nil, f.ts.URL+"/pub/api/tools/missing", nil)
	assert.Equal(t, status, http.StatusNotFound)

	var out map[string]string
	assert.NilError(t, json.Unmarshal(body, &out))
	assert.Assert(t, out["error"] != "")
}

func TestToolInvokeRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, nil)

	status, _ := postInvoke(t, nil, f.ts.URL+"/pub/api/tools/search", []byte("{not json"))
	assert.Equal(t, status, http.StatusBadRequest)
}

func TestToolInvokeRejectsOversizedBody(t *testing.T) {
	f := newFixture(t, nil)

	body := bytes.Repeat([]byte("x"), (8<<20)+16)
	status, _ := postInvoke(t, nil, f.ts.URL+"/pub/api/tools/search", body)
	assert.Equal(t, status, http.StatusRequestEntityTooLarge)
}

func TestRESTViewIsReusedAcrossRequests(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		status, _ := httpGet(t, nil, f.ts.URL+"/pub/api")
		assert.Equal(t, status, http.StatusOK)
	}
	assert.Equal(t, f.dialer.dialCount("alpha"), 1)
	assert.Equal(t, f.dialer.dialCount("beta"), 1)
}

func TestRESTViewFollowsEndpointRetarget(t *testing.T) {
	f := newFixture(t, nil)

	status, _ := httpGet(t, nil, f.ts.URL+"/pub/api")
	assert.Equal(t, status, http.StatusOK)

	ctx := context.Background()
	assert.NilError(t, f.store.CreateNamespace(ctx, &config.NamespaceConfig{
		Name:    "alt",
		Members: []*config.NamespaceMember{{Server: "alpha"}},
	}))
	ep, err := f.store.GetEndpoint(ctx, "pub")
	assert.NilError(t, err)
	ep.Namespace = "alt"
	assert.NilError(t, f.store.UpdateEndpoint(ctx, ep))

	waitFor(t, "rest view rebuilt against new namespace", func() bool {
		_, body := httpGet(t, nil, f.ts.URL+"/pub/api")
		var index struct {
			Namespace string `json:"namespace"`
			Tools     []struct {
				Name string `json:"name"`
			} `json:"tools"`
		}
		if err := json.Unmarshal(body, &index); err != nil {
			return false
		}
		return index.Namespace == "alt" && len(index.Tools) == 2
	})
}

func TestOpenAPIDocumentDescribesTools(t *testing.T) {
	f := newFixture(t, nil)

	status, body := httpGet(t, nil, f.ts.URL+"/pub/api/openapi.json")
	assert.Equal(t, status, http.StatusOK)

	var doc map[string]any
	assert.NilError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, doc["openapi"], "3.1.1")

	info, ok := doc["info"].(map[string]any)
	assert.Assert(t, ok)
	assert.Equal(t, info["title"], "manifold endpoint 'pub'")

	paths, ok := doc["paths"].(map[string]any)
	assert.Assert(t, ok)
	for _, name := range []string{"search", "fetch", "post", "B__search"} {
		item, ok := paths["/pub/api/tools/"+name].(map[string]any)
		assert.Assert(t, ok, "missing path for tool %s", name)
		_, ok = item["post"].(map[string]any)
		assert.Assert(t, ok, "missing post operation for tool %s", name)
	}
}
