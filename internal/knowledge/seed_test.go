package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/internal/memory"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAMLAndSeedIntoMemory(t *testing.T) {
	path := writeFile(t, "seed.yaml", `
- key: refund_policy
  content: 订单签收后七天内可申请退款
  keywords: [Refund, " 退款 "]
- key: empty
  content: "   "
- key: shipping
  content: 默认使用顺丰快递发货
`)
	entries, err := Load(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	mem := memory.New()
	written, err := Seed(context.Background(), mem, entries)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	record, ok := mem.GetLongTerm(context.Background(), "refund_policy")
	require.True(t, ok)
	assert.Equal(t, "订单签收后七天内可申请退款 关键词: refund 退款", record.Content)
	assert.Empty(t, record.SessionID)

	matches := mem.SearchLongTerm("how to refund an order")
	require.Len(t, matches, 1)
	assert.Equal(t, "refund_policy", matches[0].Key)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "seed.json", `[{"key":"hours","content":"客服工作时间 9:00-18:00"}]`)
	written, err := LoadAndSeed(context.Background(), memory.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("  ")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	_, err = Load(writeFile(t, "bad.json", `{not json`))
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

type failingWriter struct{ calls int }

func (f *failingWriter) AddStructured(context.Context, string, string, string) error {
	f.calls++
	if f.calls > 1 {
		return errors.New("redis down")
	}
	return nil
}

func TestSeedStopsOnWriteFailure(t *testing.T) {
	w := &failingWriter{}
	written, err := Seed(context.Background(), w, []Entry{
		{Key: "a", Content: "1"},
		{Key: "b", Content: "2"},
		{Key: "c", Content: "3"},
	})
	assert.Equal(t, 1, written)
	assert.Equal(t, xerrors.CodeMemoryFailure, xerrors.CodeOf(err))

	_, err = Seed(context.Background(), nil, nil)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
