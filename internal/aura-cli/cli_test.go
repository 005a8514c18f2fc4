package aura

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/nikkolasg/hexjson"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/common/testlogger"
	"github.com/hxrts/aura-sub023/internal/authority"
	"github.com/hxrts/aura-sub023/internal/core"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/net"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := CLI()
	app.Writer = &out
	err := app.Run(append([]string{"aura"}, args...))
	return out.String(), err
}

func keygen(t *testing.T, name string) string {
	t.Helper()
	folder := filepath.Join(t.TempDir(), name)
	_, err := run(t, "keygen", "--folder", folder, "--name", name, "127.0.0.1:4450")
	require.NoError(t, err)
	return folder
}

func TestKeyGen(t *testing.T) {
	folder := keygen(t, "alice")

	ks, err := key.NewFileStore(folder)
	require.NoError(t, err)
	pair, err := ks.LoadKeyPair()
	require.NoError(t, err)
	require.Equal(t, common.DeviceIDFromName("alice"), pair.Public.Device)
	require.Equal(t, "127.0.0.1:4450", pair.Public.Addr)
	require.NoError(t, pair.Public.ValidSignature())

	// a second run keeps the existing pair
	out, err := run(t, "keygen", "--folder", folder, "127.0.0.1:4451")
	require.NoError(t, err)
	require.Contains(t, out, "already present")
	again, err := ks.LoadKeyPair()
	require.NoError(t, err)
	require.True(t, again.Public.Equal(pair.Public))

	out, err = run(t, "show", "public", "--folder", folder)
	require.NoError(t, err)
	require.Contains(t, out, pair.Public.Device.String())
}

func TestKeyGenError(t *testing.T) {
	folder := t.TempDir()
	_, err := run(t, "keygen", "--folder", folder)
	require.Error(t, err)
	_, err = run(t, "keygen", "--folder", folder, "127.0.0.1")
	require.Error(t, err)
	_, err = run(t, "keygen", "--folder", folder, "127.0.0.1:1", "127.0.0.1:2")
	require.Error(t, err)
}

func TestDealAndJoin(t *testing.T) {
	names := []string{"alice", "bob", "carol"}
	folders := make(map[string]string)
	var publics []string
	for _, n := range names {
		folders[n] = keygen(t, n)
		publics = append(publics, key.PublicKeyFile(folders[n]))
	}
	out := filepath.Join(t.TempDir(), "dealt")

	_, err := run(t, append([]string{"deal", "--authority", "family", "--threshold", "2"}, publics...)...)
	require.Error(t, err, "shares must go to a folder")
	_, err = run(t, "deal", "--authority", "family", "--threshold", "2", "--out", out, publics[0], publics[0])
	require.Error(t, err, "duplicate device")

	res, err := run(t, append([]string{"deal", "--authority", "family", "--threshold", "2", "--out", out}, publics...)...)
	require.NoError(t, err)
	require.Contains(t, res, "2-of-3")

	family := common.AuthorityIDFromName("family")
	var groupKey []byte
	for _, n := range names {
		from := filepath.Join(out, common.DeviceIDFromName(n).String())
		_, err := run(t, "join", "--folder", folders[n], "--from", from)
		require.NoError(t, err)

		ks, err := key.NewFileStore(folders[n])
		require.NoError(t, err)
		g, err := ks.LoadGroup(family)
		require.NoError(t, err)
		s, err := ks.LoadShare(family)
		require.NoError(t, err)
		require.Equal(t, g.Find(common.DeviceIDFromName(n)).Index, s.Index)
		if groupKey == nil {
			groupKey = g.PublicKey.Key()
		}
		require.Equal(t, groupKey, g.PublicKey.Key())

		res, err := run(t, "show", "authorities", "--folder", folders[n])
		require.NoError(t, err)
		require.Contains(t, res, family.String())
		require.Contains(t, res, "2-of-3")
	}

	// alice's share cannot be installed on bob
	from := filepath.Join(out, common.DeviceIDFromName("alice").String())
	_, err = run(t, "join", "--folder", folders["bob"], "--from", from)
	require.Error(t, err)
}

func TestJournalCommands(t *testing.T) {
	folder := keygen(t, "alice")
	ks, err := key.NewFileStore(folder)
	require.NoError(t, err)
	pair, err := ks.LoadKeyPair()
	require.NoError(t, err)

	chat := common.ContextIDFromName("chat")
	l := testlogger.New(t)
	n, err := core.NewNode(context.Background(), pair, core.NewConfig(
		core.WithConfigFolder(folder),
		core.WithLogger(l),
		core.WithTransport(net.NewNetwork(l).Join(pair.Public.Device)),
		core.WithSyncInterval(0),
		core.WithScope(journal.DefaultScope(chat)),
	))
	require.NoError(t, err)
	for _, text := range []string{"one", "two"} {
		_, err := n.Journal().ApplyOp(context.Background(), chat, journal.Assert("chat.message", []byte(text)))
		require.NoError(t, err)
	}
	want, err := n.Journal().StateHash(context.Background(), chat, journal.Now())
	require.NoError(t, err)
	require.NoError(t, n.Stop(context.Background()))

	res, err := run(t, "journal", "show", "--folder", folder, "--context", "chat")
	require.NoError(t, err)
	var views []factView
	require.NoError(t, json.Unmarshal([]byte(res), &views))
	require.Len(t, views, 2)
	payloads := []string{string(views[0].Payload), string(views[1].Payload)}
	require.ElementsMatch(t, []string{"one", "two"}, payloads)
	for _, v := range views {
		require.Equal(t, pair.Public.Device.String(), v.Author)
		require.Equal(t, "chat.message", v.ContentType)
	}

	res, err = run(t, "journal", "hash", "--folder", folder, "--context", chat.String())
	require.NoError(t, err)
	require.Equal(t, want.String(), strings.TrimSpace(res))

	_, err = run(t, "journal", "show", "--folder", folder, "--context", "unknown")
	require.Error(t, err)

	backup := filepath.Join(t.TempDir(), "backup.db")
	_, err = run(t, "journal", "export", "--folder", folder, "--out", backup)
	require.NoError(t, err)
	info, err := os.Stat(backup)
	require.NoError(t, err)
	require.NotZero(t, info.Size())

	subject := authority.Device(pair.Public.Device).String()
	res, err = run(t, "scope", "check", "--folder", folder, "--subject", subject, "--scope", "chat:send")
	require.NoError(t, err)
	require.Contains(t, res, "denied: no capability")

	_, err = run(t, "scope", "check", "--folder", folder, "--subject", "nobody", "--scope", "chat:send")
	require.Error(t, err)
}

func TestStartNeedsKeys(t *testing.T) {
	_, err := run(t, "start", "--folder", t.TempDir(), "--listen", "127.0.0.1:0")
	require.Error(t, err)
}
