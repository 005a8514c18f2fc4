package aura

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/key"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/core"
	"github.com/hxrts/aura-sub023/internal/effects"
)

var validAddr = regexp.MustCompile(`:\d+$`)

func keygenCmd(c *cli.Context, l log.Logger) error {
	args := c.Args()
	if !args.Present() {
		return errors.New("missing aura address in argument. Abort")
	}
	if args.Len() > 1 {
		return fmt.Errorf("expecting only one argument, the address, but got:"+
			"\n\t%v\nAborting. Note that the flags need to go before the argument", args.Slice())
	}
	addr := args.First()
	if !validAddr.MatchString(addr) {
		return fmt.Errorf("address %q has no port", addr)
	}

	device := common.DeviceID{UUID: uuid.New()}
	if c.IsSet(nameFlag.Name) {
		device = common.DeviceIDFromName(c.String(nameFlag.Name))
	}

	folder := c.String(folderFlag.Name)
	fileStore, err := key.NewFileStore(folder)
	if err != nil {
		return err
	}
	if _, err := fileStore.LoadKeyPair(); err == nil {
		fmt.Fprintf(c.App.Writer, "Keypair already present in `%s`.\nRemove them before generating new one\n", folder)
		return nil
	}

	pair, err := key.NewKeyPair(device, addr, effects.SystemRandom(), nil)
	if err != nil {
		return err
	}
	if err := fileStore.SaveKeyPair(pair); err != nil {
		return fmt.Errorf("could not save key: %w", err)
	}
	l.Debugw("generated key pair", "device", device, "addr", addr)

	absPath, err := filepath.Abs(key.PublicKeyFile(folder))
	if err != nil {
		return fmt.Errorf("err getting full path: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Generated keys for device %s at %s\n", device, addr)
	fmt.Fprintf(c.App.Writer, "You can copy paste the following snippet to a common roster file:\n")
	fmt.Fprintf(c.App.Writer, "---BEGIN SNIPPET---\n")
	if err := toml.NewEncoder(c.App.Writer).Encode(pair.Public.TOML()); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "---END SNIPPET---\n")
	fmt.Fprintf(c.App.Writer, "Public identity saved in %s\n", absPath)
	return nil
}

func dealCmd(c *cli.Context, l log.Logger) error {
	if c.Args().Len() == 0 {
		return errors.New("deal needs the public identity files of the devices")
	}
	out := c.String(outFlag.Name)
	if out == "" {
		return errors.New("deal needs --out: shares are never printed")
	}

	ids := make([]*key.Identity, 0, c.Args().Len())
	seen := make(map[common.DeviceID]bool)
	for _, p := range c.Args().Slice() {
		id := new(key.Identity)
		if err := key.Load(p, id); err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		if err := id.ValidSignature(); err != nil {
			return fmt.Errorf("identity in %s: %w", p, err)
		}
		if seen[id.Device] {
			return fmt.Errorf("device %s given twice", id.Device)
		}
		seen[id.Device] = true
		ids = append(ids, id)
	}

	a := core.AuthorityFromString(c.String(authorityFlag.Name))
	g, shares, err := key.Deal(a, c.Int(thresholdFlag.Name), ids, effects.SystemRandom().Stream())
	if err != nil {
		return err
	}
	for i, id := range ids {
		folder := filepath.Join(out, id.Device.String())
		ks, err := key.NewFileStore(folder)
		if err != nil {
			return err
		}
		if err := ks.SaveGroup(g); err != nil {
			return err
		}
		if err := ks.SaveShare(shares[i]); err != nil {
			return err
		}
		l.Debugw("share written", "device", id.Device, "index", shares[i].Index, "folder", folder)
	}

	fmt.Fprintf(c.App.Writer, "authority %s: %d-of-%d key %s\n",
		a, g.Threshold, g.Len(), hex.EncodeToString(g.PublicKey.Key()))
	fmt.Fprintf(c.App.Writer, "hand %s/<device> to each device and run 'aura join --from' there\n", out)
	return nil
}

func joinCmd(c *cli.Context, l log.Logger) error {
	folder := c.String(folderFlag.Name)
	pair, err := loadKeyPair(folder)
	if err != nil {
		return err
	}
	from, err := key.NewFileStore(c.String(fromFlag.Name))
	if err != nil {
		return err
	}
	to, err := key.NewFileStore(folder)
	if err != nil {
		return err
	}
	authorities, err := from.Groups()
	if err != nil {
		return err
	}
	if len(authorities) == 0 {
		return fmt.Errorf("no roster in %s", c.String(fromFlag.Name))
	}

	for _, a := range authorities {
		g, err := from.LoadGroup(a)
		if err != nil {
			return err
		}
		if err := g.Validate(); err != nil {
			return fmt.Errorf("roster of %s: %w", a, err)
		}
		node := g.Find(pair.Public.Device)
		if node == nil || !node.Equal(pair.Public) {
			return fmt.Errorf("roster of %s does not list this device", a)
		}
		s, err := from.LoadShare(a)
		if err != nil {
			return fmt.Errorf("share of %s: %w", a, err)
		}
		if s.Index != node.Index {
			return fmt.Errorf("share of %s has index %d, the roster says %d", a, s.Index, node.Index)
		}
		if err := to.SaveGroup(g); err != nil {
			return err
		}
		if err := to.SaveShare(s); err != nil {
			return err
		}
		l.Debugw("joined authority", "authority", a, "index", s.Index)
		fmt.Fprintf(c.App.Writer, "joined authority %s as index %d of %d\n", a, s.Index, g.Len())
	}
	return nil
}

func showPublicCmd(c *cli.Context, _ log.Logger) error {
	pair, err := loadKeyPair(c.String(folderFlag.Name))
	if err != nil {
		return err
	}
	return toml.NewEncoder(c.App.Writer).Encode(pair.Public.TOML())
}

func showAuthoritiesCmd(c *cli.Context, _ log.Logger) error {
	ks, err := key.NewFileStore(c.String(folderFlag.Name))
	if err != nil {
		return err
	}
	authorities, err := ks.Groups()
	if err != nil {
		return err
	}
	for _, a := range authorities {
		g, err := ks.LoadGroup(a)
		if err != nil {
			return err
		}
		share := "no share"
		if s, err := ks.LoadShare(a); err == nil {
			share = fmt.Sprintf("share %d", s.Index)
		}
		fmt.Fprintf(c.App.Writer, "%s\t%d-of-%d\t%s\n", a, g.Threshold, g.Len(), share)
	}
	return nil
}
