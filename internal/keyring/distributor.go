package keyring

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"publisher/internal/permissions"
	logx "publisher/pkg/logx"
)

// ErrLocked is returned when an operation needs a user's unlocked keyring.
var ErrLocked = errors.New("keyring: user keyring is locked")

// Distributor keeps the key cache and every user keyring in line with the
// permission collaborator.
type Distributor struct {
	cache    Store
	perms    permissions.Service
	durable  *UserKeyrings
	sessions *Sessions
	log      logx.Logger

	// recipients guards recipient computation against permission edits.
	recipients sync.RWMutex
}

func NewDistributor(cache Store, perms permissions.Service, durable *UserKeyrings, sessions *Sessions, log logx.Logger) *Distributor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Distributor{
		cache:    cache,
		perms:    perms,
		durable:  durable,
		sessions: sessions,
		log:      log.With(logx.String("comp", "keyring")),
	}
}

// PermissionsChanging runs edit while no distribution is computing its
// recipient sets.
func (d *Distributor) PermissionsChanging(edit func()) {
	d.recipients.Lock()
	defer d.recipients.Unlock()
	edit()
}

// audience splits the user universe into the authorized recipients of id and
// everybody else.
func (d *Distributor) audience(ctx context.Context, id string) (allowed, denied []string, err error) {
	d.recipients.RLock()
	defer d.recipients.RUnlock()

	recips, err := d.perms.AuthorizedRecipients(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("authorized recipients of %s: %w", id, err)
	}
	universe, err := d.perms.Users(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("user universe: %w", err)
	}
	in := make(map[string]struct{}, len(recips))
	for _, u := range recips {
		in[u] = struct{}{}
		allowed = append(allowed, u)
	}
	for _, u := range universe {
		if _, ok := in[u]; !ok {
			denied = append(denied, u)
		}
	}
	return allowed, denied, nil
}

// Distribute places key in the key cache, then gives it to every authorized
// user and takes it from everybody else. A failure for one user is logged and
// returned joined with the others; it never stops the rest.
func (d *Distributor) Distribute(ctx context.Context, id string, key Key) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := d.cache.Add(ctx, id, key); err != nil {
		return fmt.Errorf("key cache: %w", err)
	}

	allowed, denied, err := d.audience(ctx, id)
	if err != nil {
		return err
	}

	var errs []error
	for _, user := range allowed {
		if err := d.grant(ctx, user, id, key); err != nil {
			d.log.Warn("key grant failed", logx.Collection(id), logx.User(user), logx.Err(err))
			errs = append(errs, err)
		}
	}
	for _, user := range denied {
		if err := d.revoke(ctx, user, id); err != nil {
			d.log.Warn("key revoke failed", logx.Collection(id), logx.User(user), logx.Err(err))
			errs = append(errs, err)
		}
	}
	d.log.Debug("key distributed", logx.Collection(id), logx.Int("granted", len(allowed)), logx.Int("revoked", len(denied)))
	return errors.Join(errs...)
}

func (d *Distributor) grant(ctx context.Context, user, id string, key Key) error {
	unlock := d.sessions.lockUser(user)
	defer unlock()
	if m, ok := d.sessions.Get(user); ok {
		if err := m.Add(ctx, id, key); err != nil {
			return err
		}
	}
	has, err := d.durable.Contains(ctx, user, id)
	if errors.Is(err, ErrUninitialized) {
		// No password yet; the key arrives with the next distribution.
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", user, err)
	}
	if has {
		return nil
	}
	return d.durable.Put(ctx, user, map[string]Key{id: key})
}

func (d *Distributor) revoke(ctx context.Context, user, id string) error {
	unlock := d.sessions.lockUser(user)
	defer unlock()
	if m, ok := d.sessions.Get(user); ok {
		if err := m.Remove(ctx, id); err != nil {
			return err
		}
	}
	if err := d.durable.Delete(ctx, user, id); err != nil {
		return fmt.Errorf("%s: %w", user, err)
	}
	return nil
}

// Revoke takes the key for id from users, or from every known user when
// none are named. The key cache is left alone.
func (d *Distributor) Revoke(ctx context.Context, id string, users ...string) error {
	if err := validID(id); err != nil {
		return err
	}
	if len(users) == 0 {
		d.recipients.RLock()
		all, err := d.perms.Users(ctx)
		d.recipients.RUnlock()
		if err != nil {
			return fmt.Errorf("user universe: %w", err)
		}
		users = all
	}
	var errs []error
	for _, user := range users {
		if err := d.revoke(ctx, user, id); err != nil {
			d.log.Warn("key revoke failed", logx.Collection(id), logx.User(user), logx.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Transfer copies the keys for ids from the unlocked keyring of from to to.
// Keys from lacks are logged and skipped. The durable keyring of to is
// written once, after the whole batch, and the in-memory keyring of to only
// once that write succeeded.
func (d *Distributor) Transfer(ctx context.Context, from, to string, ids []string) (int, error) {
	src, ok := d.sessions.Get(from)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrLocked, from)
	}

	batch := make(map[string]Key, len(ids))
	for _, id := range ids {
		k, err := src.Get(ctx, id)
		if err != nil {
			d.log.Warn("transfer: key missing from source keyring; skipped",
				logx.Collection(id), logx.String("from", from), logx.Err(err))
			continue
		}
		batch[id] = k
	}

	unlock := d.sessions.lockUser(to)
	defer unlock()
	if err := d.durable.Put(ctx, to, batch); err != nil && !errors.Is(err, ErrUninitialized) {
		return 0, fmt.Errorf("persist %s keyring: %w", to, err)
	}
	var errs []error
	if dst, ok := d.sessions.Get(to); ok {
		for _, id := range slices.Sorted(maps.Keys(batch)) {
			if err := dst.Add(ctx, id, batch[id]); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
			}
		}
	}
	d.log.Info("keys transferred", logx.String("from", from), logx.String("to", to),
		logx.Int("moved", len(batch)), logx.Int("skipped", len(ids)-len(batch)))
	return len(batch), errors.Join(errs...)
}

// CreateKey generates and distributes the key of a new collection.
func (d *Distributor) CreateKey(ctx context.Context, id string) (Key, error) {
	k, err := NewKey()
	if err != nil {
		return nil, err
	}
	if err := d.Distribute(ctx, id, k); err != nil {
		return k, err
	}
	return k, nil
}

// DeleteKey removes a deleted collection's key from everyone and the cache.
func (d *Distributor) DeleteKey(ctx context.Context, id string) error {
	err := d.Revoke(ctx, id)
	if cerr := d.cache.Remove(ctx, id); cerr != nil {
		err = errors.Join(err, fmt.Errorf("key cache: %w", cerr))
	}
	return err
}

// Resync redistributes every cached key, typically after a permissions
// reload.
func (d *Distributor) Resync(ctx context.Context) error {
	ids, err := d.cache.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		k, err := d.cache.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.Distribute(ctx, id, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
