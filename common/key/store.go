package key

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/internal/fs"
)

// Tomler represents any struct that can be (un)marshaled into/from toml format.
type Tomler interface {
	TOML() interface{}
	FromTOML(i interface{}) error
	TOMLValue() interface{}
}

// Store abstracts the loading and saving of the device key, the rosters of
// the authorities the device belongs to and its threshold shares.
type Store interface {
	SaveKeyPair(p *Pair) error
	LoadKeyPair() (*Pair, error)
	SaveGroup(g *Group) error
	LoadGroup(a common.AuthorityID) (*Group, error)
	// Groups lists the authorities with a saved roster.
	Groups() ([]common.AuthorityID, error)
	SaveShare(s *Share) error
	LoadShare(a common.AuthorityID) (*Share, error)
}

// ErrAbsent is returned when the requested material was never saved.
var ErrAbsent = errors.New("key: store can't find requested object")

const (
	KeyFolderName    = "key"
	GroupsFolder     = "groups"
	keyFileName      = "aura_id"
	privateExtension = ".private"
	publicExtension  = ".public"
	shareExtension   = ".share"
	groupExtension   = ".toml"
)

type fileStore struct {
	baseFolder     string
	keyFolder      string
	groupFolder    string
	privateKeyFile string
	publicKeyFile  string
}

// NewFileStore returns a store rooted at baseFolder. Folders are created with
// restrictive permissions.
func NewFileStore(baseFolder string) (Store, error) {
	store := &fileStore{baseFolder: baseFolder}
	var err error
	if store.keyFolder, err = fs.CreateSecureFolder(filepath.Join(baseFolder, KeyFolderName)); err != nil {
		return nil, err
	}
	if store.groupFolder, err = fs.CreateSecureFolder(filepath.Join(baseFolder, GroupsFolder)); err != nil {
		return nil, err
	}
	store.privateKeyFile = filepath.Join(store.keyFolder, keyFileName) + privateExtension
	store.publicKeyFile = filepath.Join(store.keyFolder, keyFileName) + publicExtension
	return store, nil
}

// PublicKeyFile is where a store rooted at baseFolder keeps the public
// identity of the device.
func PublicKeyFile(baseFolder string) string {
	return filepath.Join(baseFolder, KeyFolderName, keyFileName) + publicExtension
}

// SaveKeyPair first saves the private key in a file with tight permissions
// and then saves the public part in another file.
func (f *fileStore) SaveKeyPair(p *Pair) error {
	if err := Save(f.privateKeyFile, p, true); err != nil {
		return err
	}
	return Save(f.publicKeyFile, p.Public, false)
}

// LoadKeyPair decodes the private key first then the public identity.
func (f *fileStore) LoadKeyPair() (*Pair, error) {
	p := new(Pair)
	if err := Load(f.privateKeyFile, p); err != nil {
		return nil, err
	}
	pub := new(Identity)
	if err := Load(f.publicKeyFile, pub); err != nil {
		return nil, err
	}
	if !pub.Equal(p.Public) {
		return nil, fmt.Errorf("key: public file does not match private key")
	}
	p.Public = pub
	return p, nil
}

func (f *fileStore) SaveGroup(g *Group) error {
	return Save(filepath.Join(f.groupFolder, g.Authority.String()+groupExtension), g, false)
}

func (f *fileStore) LoadGroup(a common.AuthorityID) (*Group, error) {
	g := new(Group)
	return g, Load(filepath.Join(f.groupFolder, a.String()+groupExtension), g)
}

func (f *fileStore) Groups() ([]common.AuthorityID, error) {
	files, err := fs.Files(f.groupFolder)
	if err != nil {
		return nil, err
	}
	var out []common.AuthorityID
	for _, file := range files {
		name := filepath.Base(file)
		if filepath.Ext(name) != groupExtension {
			continue
		}
		a, err := common.ParseAuthorityID(strings.TrimSuffix(name, groupExtension))
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fileStore) SaveShare(s *Share) error {
	return Save(filepath.Join(f.keyFolder, s.Authority.String()+shareExtension), s, true)
}

func (f *fileStore) LoadShare(a common.AuthorityID) (*Share, error) {
	s := new(Share)
	return s, Load(filepath.Join(f.keyFolder, a.String()+shareExtension), s)
}

// Save writes t as TOML to path, readable only by the owner when secure.
func Save(path string, t Tomler, secure bool) error {
	var fd *os.File
	var err error
	if secure {
		fd, err = fs.CreateSecureFile(path)
	} else {
		fd, err = os.Create(path)
	}
	if err != nil {
		return fmt.Errorf("config: can't save %T to %s: %w", t, path, err)
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(t.TOML())
}

// Load decodes the TOML file at path into t.
func Load(path string, t Tomler) error {
	if ok, _ := fs.Exists(path); !ok {
		return ErrAbsent
	}
	tomlValue := t.TOMLValue()
	if _, err := toml.DecodeFile(path, tomlValue); err != nil {
		return err
	}
	return t.FromTOML(tomlValue)
}
