package node

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindIsValid(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		valid bool
	}{
		{"goal", KindGoal, true},
		{"task", KindTask, true},
		{"serial", KindSerial, true},
		{"ask", KindAsk, true},
		{"invalid", Kind("invalid"), false},
		{"empty", Kind(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.kind.IsValid())
		})
	}
}

func TestKindCreatableByAgent(t *testing.T) {
	assert.False(t, KindGoal.CreatableByAgent())
	assert.True(t, KindTask.CreatableByAgent())
	assert.True(t, KindSerial.CreatableByAgent())
	assert.True(t, KindAsk.CreatableByAgent())
}

func TestStatusIsValid(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		valid  bool
	}{
		{"pending", StatusPending, true},
		{"active", StatusActive, true},
		{"paused", StatusPaused, true},
		{"complete", StatusComplete, true},
		{"cancelled", StatusCancelled, true},
		{"failed", StatusFailed, true},
		{"invalid", Status("invalid"), false},
		{"empty", Status(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.IsValid())
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusActive, false},
		{StatusPaused, false},
		{StatusComplete, true},
		{StatusCancelled, true},
		{StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestReturnTypeIsValid(t *testing.T) {
	tests := []struct {
		name    string
		returns ReturnType
		valid   bool
	}{
		{"text", ReturnText, true},
		{"boolean", ReturnBoolean, true},
		{"list", ReturnList, true},
		{"structured", ReturnStructured, true},
		{"file", ReturnFile, true},
		{"approval", ReturnApproval, true},
		{"invalid", ReturnType("json"), false},
		{"empty", ReturnType(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.returns.IsValid())
		})
	}
}

func TestAskTargetIsValid(t *testing.T) {
	tests := []struct {
		name   string
		target AskTarget
		valid  bool
	}{
		{"human", AskHuman, true},
		{"parent", AskParent, true},
		{"children", AskChildren, true},
		{"invalid", AskTarget("sibling"), false},
		{"empty", AskTarget(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.target.IsValid())
		})
	}
}

func TestFormatID(t *testing.T) {
	assert.Equal(t, "#1", FormatID(1))
	assert.Equal(t, "#42", FormatID(42))
}

func TestParseID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"hash prefix", "#7", 7, false},
		{"bare integer", "7", 7, false},
		{"surrounding space", " #12 ", 12, false},
		{"zero", "#0", 0, true},
		{"negative", "#-3", 0, true},
		{"garbage", "seven", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIDRoundTrip(t *testing.T) {
	for _, id := range []int64{1, 9, 128, 100000} {
		got, err := ParseID(FormatID(id))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestNodeRef(t *testing.T) {
	n := &Node{ID: 5}
	assert.Equal(t, "#5", n.Ref())
}

func TestNodeIsRoot(t *testing.T) {
	assert.True(t, (&Node{ID: 1}).IsRoot())
	assert.False(t, (&Node{ID: 2, ParentID: 1}).IsRoot())
}

func TestTreeWalkOrder(t *testing.T) {
	tree := &Tree{
		Node: Node{ID: 1},
		Children: []*Tree{
			{
				Node: Node{ID: 2, ParentID: 1},
				Children: []*Tree{
					{Node: Node{ID: 4, ParentID: 2}},
				},
			},
			{Node: Node{ID: 3, ParentID: 1}},
		},
	}

	var order []int64
	tree.Walk(func(n *Tree) {
		order = append(order, n.ID)
	})
	assert.Equal(t, []int64{1, 2, 4, 3}, order)
}

func TestTreeFind(t *testing.T) {
	tree := &Tree{
		Node: Node{ID: 1},
		Children: []*Tree{
			{Node: Node{ID: 2, ParentID: 1}},
			{Node: Node{ID: 3, ParentID: 1}},
		},
	}

	found := tree.Find(3)
	require.NotNil(t, found)
	assert.Equal(t, int64(3), found.ID)

	assert.Nil(t, tree.Find(99))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{ErrNotFound, "not_found"},
		{ErrAlreadyExists, "already_exists"},
		{ErrInvalidStatus, "invalid_status"},
		{ErrInvalidNeeds, "invalid_needs"},
		{ErrConflict, "conflict"},
		{ErrAuthorityDenied, "authority_denied"},
		{errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			assert.Equal(t, tt.kind, ErrorKind(tt.err))
		})
	}
}

func TestErrorKindWrapped(t *testing.T) {
	wrapped := fmt.Errorf("transition %d: %w", 7, ErrConflict)
	assert.Equal(t, "conflict", ErrorKind(wrapped))
}
