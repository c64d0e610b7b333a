package daemon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_JSON(t *testing.T) {
	req := Request{
		JSONRPC: "2.0",
		Method:  MethodRetrieve,
		Params: RetrieveParams{
			WorkspaceParams: WorkspaceParams{Workspace: "/path/to/project"},
			Query:           "test query",
			TopK:            10,
		},
		ID: "req-1",
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, "2.0", decoded.JSONRPC)
	assert.Equal(t, MethodRetrieve, decoded.Method)
	assert.Equal(t, "req-1", decoded.ID)
}

func TestResponse_Success(t *testing.T) {
	hits := []RetrieveHit{
		{Path: "/test.go", StartLine: 10, Score: 0.95},
	}

	resp := NewSuccessResponse("req-1", hits)

	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, "req-1", resp.ID)
	assert.NotNil(t, resp.Result)
	assert.Nil(t, resp.Error)
}

func TestResponse_Error(t *testing.T) {
	resp := NewErrorResponse("req-1", ErrCodeInvalidParams, "invalid query")

	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, "req-1", resp.ID)
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
	assert.Equal(t, "invalid query", resp.Error.Message)
}

func TestRetrieveParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  RetrieveParams
		wantErr bool
	}{
		{
			name: "valid params",
			params: RetrieveParams{
				WorkspaceParams: WorkspaceParams{Workspace: "/path"},
				Query:           "test",
				TopK:            10,
			},
			wantErr: false,
		},
		{
			name: "empty query",
			params: RetrieveParams{
				WorkspaceParams: WorkspaceParams{Workspace: "/path"},
				Query:           "",
			},
			wantErr: true,
		},
		{
			name: "empty workspace",
			params: RetrieveParams{
				WorkspaceParams: WorkspaceParams{Workspace: ""},
				Query:           "test",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOnFilesChangedParams_Validate(t *testing.T) {
	valid := OnFilesChangedParams{
		WorkspaceParams: WorkspaceParams{Workspace: "/path"},
		Paths:           []string{"a.go"},
	}
	assert.NoError(t, valid.Validate())

	noPaths := OnFilesChangedParams{WorkspaceParams: WorkspaceParams{Workspace: "/path"}}
	assert.Error(t, noPaths.Validate())
}

func TestRetrieveHit_JSON(t *testing.T) {
	hit := RetrieveHit{
		Path:        "/path/to/file.go",
		StartLine:   42,
		EndLine:     50,
		Score:       0.89,
		Content:     "func TestSomething() {",
		LanguageTag: "go",
	}

	data, err := json.Marshal(hit)
	require.NoError(t, err)

	var decoded RetrieveHit
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, hit.Path, decoded.Path)
	assert.Equal(t, hit.StartLine, decoded.StartLine)
	assert.Equal(t, hit.EndLine, decoded.EndLine)
	assert.InDelta(t, hit.Score, decoded.Score, 0.001)
	assert.Equal(t, hit.Content, decoded.Content)
	assert.Equal(t, hit.LanguageTag, decoded.LanguageTag)
}

func TestStatusResult_JSON(t *testing.T) {
	status := StatusResult{
		Running:   true,
		PID:       12345,
		Uptime:    "1h30m",
		Workspace: "/path/to/project",
		Phase:     "done",
		Indexing:  false,
	}

	data, err := json.Marshal(status)
	require.NoError(t, err)

	var decoded StatusResult
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, status.Running, decoded.Running)
	assert.Equal(t, status.PID, decoded.PID)
	assert.Equal(t, status.Uptime, decoded.Uptime)
	assert.Equal(t, status.Workspace, decoded.Workspace)
	assert.Equal(t, status.Phase, decoded.Phase)
}

func TestMethodConstants(t *testing.T) {
	assert.Equal(t, "ping", MethodPing)
	assert.Equal(t, "status", MethodStatus)
	assert.Equal(t, "index", MethodIndex)
	assert.Equal(t, "on_files_changed", MethodOnFilesChanged)
	assert.Equal(t, "retrieve", MethodRetrieve)
	assert.Equal(t, "delete_index", MethodDeleteIndex)
	assert.Equal(t, "set_embedding_provider", MethodSetEmbeddingProvider)
	assert.Equal(t, "cancel", MethodCancel)
	assert.Equal(t, "watch_start", MethodWatchStart)
	assert.Equal(t, "watch_stop", MethodWatchStop)
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, -32700, ErrCodeParseError)
	assert.Equal(t, -32600, ErrCodeInvalidRequest)
	assert.Equal(t, -32601, ErrCodeMethodNotFound)
	assert.Equal(t, -32602, ErrCodeInvalidParams)
	assert.Equal(t, -32603, ErrCodeInternalError)

	assert.Equal(t, -32001, ErrCodeWorkspaceNotFound)
	assert.Equal(t, -32002, ErrCodeAlreadyIndexing)
	assert.Equal(t, -32003, ErrCodeQueryTooLong)
}
