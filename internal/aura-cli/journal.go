package aura

import (
	"errors"
	"fmt"
	"time"

	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/authority"
	"github.com/hxrts/aura-sub023/internal/core"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/journal/boltdb"
)

// factView is the json form of a fact. Byte fields are printed in hex.
type factView struct {
	ID          string `json:"id"`
	Author      string `json:"author"`
	Epoch       uint64 `json:"epoch"`
	AssertedAt  string `json:"asserted_at"`
	RetractedAt string `json:"retracted_at,omitempty"`
	ContentType string `json:"content_type"`
	Payload     []byte `json:"payload"`
	Finality    string `json:"finality"`
	Signature   []byte `json:"signature"`
}

func viewOf(f *journal.Fact) factView {
	v := factView{
		ID:          f.ID.String(),
		Author:      f.Author.String(),
		Epoch:       uint64(f.Epoch),
		AssertedAt:  f.AssertedAt.String(),
		ContentType: f.ContentType,
		Payload:     f.Payload,
		Finality:    f.Finality.String(),
		Signature:   f.Signature,
	}
	if f.RetractedAt != nil {
		v.RetractedAt = f.RetractedAt.String()
	}
	return v
}

func journalShowCmd(c *cli.Context, l log.Logger) error {
	n, err := openOffline(c, l)
	if err != nil {
		return err
	}
	defer closeOffline(n)

	scope := core.ContextFromString(c.String(contextFlag.Name))
	st, err := n.Journal().Snapshot(scope)
	if err != nil {
		return err
	}
	facts := st.Facts()
	views := make([]factView, len(facts))
	for i, f := range facts {
		views[i] = viewOf(f)
	}
	buff, err := json.MarshalIndent(views, "", "    ")
	if err != nil {
		return fmt.Errorf("could not JSON marshal: %w", err)
	}

	w, done, err := output(c)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, string(buff)); err != nil {
		_ = done()
		return err
	}
	return done()
}

func journalHashCmd(c *cli.Context, l log.Logger) error {
	n, err := openOffline(c, l)
	if err != nil {
		return err
	}
	defer closeOffline(n)

	scope := core.ContextFromString(c.String(contextFlag.Name))
	h, err := n.Journal().StateHash(c.Context, scope, journal.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, h.String())
	return nil
}

func journalExportCmd(c *cli.Context, l log.Logger) error {
	if c.String(outFlag.Name) == "" {
		return errors.New("export needs --out")
	}
	conf, err := contextToConfig(c, l)
	if err != nil {
		return err
	}
	store, err := boltdb.NewStore(c.Context, l, conf.DBFolder(), &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("opening journal database: %w", err)
	}
	defer store.Close()

	w, done, err := output(c)
	if err != nil {
		return err
	}
	if err := store.SaveTo(c.Context, w); err != nil {
		_ = done()
		return fmt.Errorf("exporting journal: %w", err)
	}
	if err := done(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "journal exported to %s\n", c.String(outFlag.Name))
	return nil
}

func scopeCheckCmd(c *cli.Context, l log.Logger) error {
	subject, err := authority.ParseSubject(c.String(subjectFlag.Name))
	if err != nil {
		return err
	}
	scope, err := authority.ParseScope(c.String(scopeFlag.Name))
	if err != nil {
		return err
	}
	n, err := openOffline(c, l)
	if err != nil {
		return err
	}
	defer closeOffline(n)

	d := n.Check(subject, scope)
	if d.Granted {
		fmt.Fprintf(c.App.Writer, "granted: %s holds %s\n", subject, scope)
	} else {
		fmt.Fprintf(c.App.Writer, "denied: %s\n", d.Reason)
	}
	for _, id := range d.Chain {
		fmt.Fprintf(c.App.Writer, "  %s\n", id)
	}
	return nil
}
