package keyring

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrUninitialized means the user never set a keyring password.
	ErrUninitialized      = errors.New("keyring: user keyring not initialized")
	ErrAlreadyInitialized = errors.New("keyring: user keyring already initialized")
	ErrBadPassword        = errors.New("keyring: wrong password")
)

const userKeyringVersion = 1

// userKeyringDoc is the CBOR document stored per user. Entries are sealed to
// Recipient individually, so they can be added without the password.
type userKeyringDoc struct {
	Version   int               `cbor:"1,keyasint"`
	Recipient string            `cbor:"2,keyasint"`
	Identity  []byte            `cbor:"3,keyasint"` // X25519 identity sealed with age scrypt
	Keys      map[string][]byte `cbor:"4,keyasint"` // collection id -> age ciphertext
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding: sorted map keys, so unchanged keyrings produce
	// identical bytes.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("keyring: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("keyring: CBOR decoder initialization failed: " + err.Error())
	}
}

// UserKeyrings is the durable per-user keyring directory.
type UserKeyrings struct {
	dir string
	// scryptWorkFactor overrides age's default; tests lower it.
	scryptWorkFactor int

	mu sync.Mutex
}

func NewUserKeyrings(dir string) (*UserKeyrings, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keyring: users dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &UserKeyrings{dir: dir}, nil
}

func (u *UserKeyrings) path(user string) string {
	return filepath.Join(u.dir, user+".keyring")
}

func validUser(user string) error {
	if strings.TrimSpace(user) == "" || strings.ContainsAny(user, `/\`) || user == "." || user == ".." {
		return fmt.Errorf("keyring: invalid user %q", user)
	}
	return nil
}

// Initialize creates the user's keyring protected by password.
func (u *UserKeyrings) Initialize(ctx context.Context, user, password string) error {
	_ = ctx
	if err := validUser(user); err != nil {
		return err
	}
	if password == "" {
		return errors.New("keyring: password required")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, err := os.Stat(u.path(user)); err == nil {
		return ErrAlreadyInitialized
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}
	sr, err := age.NewScryptRecipient(password)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if u.scryptWorkFactor > 0 {
		sr.SetWorkFactor(u.scryptWorkFactor)
	}
	sealedID, err := ageEncrypt([]byte(id.String()), sr)
	if err != nil {
		return err
	}
	return u.writeLocked(user, &userKeyringDoc{
		Version:   userKeyringVersion,
		Recipient: id.Recipient().String(),
		Identity:  sealedID,
		Keys:      map[string][]byte{},
	})
}

// Initialized reports whether the user has a durable keyring.
func (u *UserKeyrings) Initialized(ctx context.Context, user string) (bool, error) {
	_ = ctx
	if err := validUser(user); err != nil {
		return false, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	_, err := os.Stat(u.path(user))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Contains reports whether a key for id is stored, without decrypting it.
func (u *UserKeyrings) Contains(ctx context.Context, user, id string) (bool, error) {
	_ = ctx
	u.mu.Lock()
	defer u.mu.Unlock()
	doc, err := u.readLocked(user)
	if err != nil {
		return false, err
	}
	_, ok := doc.Keys[id]
	return ok, nil
}

// Put stores every key of batch in one write. Keys already present are
// overwritten. It fails with ErrUninitialized for a user without a keyring.
func (u *UserKeyrings) Put(ctx context.Context, user string, batch map[string]Key) error {
	_ = ctx
	if len(batch) == 0 {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	doc, err := u.readLocked(user)
	if err != nil {
		return err
	}
	rcpt, err := age.ParseX25519Recipient(doc.Recipient)
	if err != nil {
		return fmt.Errorf("keyring: %s recipient: %w", user, err)
	}
	for id, k := range batch {
		if err := validID(id); err != nil {
			return err
		}
		if err := validKey(k); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		ct, err := ageEncrypt(k, rcpt)
		if err != nil {
			return err
		}
		doc.Keys[id] = ct
	}
	return u.writeLocked(user, doc)
}

// Delete removes the key for id. Unknown users and ids are a no-op.
func (u *UserKeyrings) Delete(ctx context.Context, user, id string) error {
	_ = ctx
	u.mu.Lock()
	defer u.mu.Unlock()
	doc, err := u.readLocked(user)
	if errors.Is(err, ErrUninitialized) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, ok := doc.Keys[id]; !ok {
		return nil
	}
	delete(doc.Keys, id)
	return u.writeLocked(user, doc)
}

// Open decrypts the whole keyring. It returns every key or an error; never a
// partial map.
func (u *UserKeyrings) Open(ctx context.Context, user, password string) (map[string]Key, error) {
	_ = ctx
	u.mu.Lock()
	doc, err := u.readLocked(user)
	u.mu.Unlock()
	if err != nil {
		return nil, err
	}

	si, err := age.NewScryptIdentity(password)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	idText, err := ageDecrypt(doc.Identity, si)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPassword, err)
	}
	id, err := age.ParseX25519Identity(strings.TrimSpace(string(idText)))
	if err != nil {
		return nil, fmt.Errorf("keyring: %s identity: %w", user, err)
	}

	out := make(map[string]Key, len(doc.Keys))
	for cid, ct := range doc.Keys {
		pt, err := ageDecrypt(ct, id)
		if err != nil {
			return nil, fmt.Errorf("keyring: %s entry %s: %w", user, cid, err)
		}
		if err := validKey(pt); err != nil {
			return nil, fmt.Errorf("keyring: %s entry %s: %w", user, cid, err)
		}
		out[cid] = Key(pt)
	}
	return out, nil
}

func (u *UserKeyrings) readLocked(user string) (*userKeyringDoc, error) {
	if err := validUser(user); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(u.path(user))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrUninitialized
	}
	if err != nil {
		return nil, err
	}
	var doc userKeyringDoc
	if err := cborDec.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("keyring: decode %s: %w", user, err)
	}
	if doc.Version != userKeyringVersion {
		return nil, fmt.Errorf("keyring: %s: unsupported version %d", user, doc.Version)
	}
	if doc.Keys == nil {
		doc.Keys = map[string][]byte{}
	}
	return &doc, nil
}

func (u *UserKeyrings) writeLocked(user string, doc *userKeyringDoc) error {
	b, err := cborEnc.Marshal(doc)
	if err != nil {
		return err
	}
	return writeFileAtomic(u.path(user), b, 0o600)
}
