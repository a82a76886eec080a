package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field sets one key on a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Keys shared by every pipeline log line, so one collection or cohort can be
// followed across the scheduler, orchestrators and keyring.
const (
	KeyCollection = "collection"
	KeyCohort     = "cohort"
	KeyHost       = "host"
	KeyUser       = "user"
)

func Collection(id string) Field { return String(KeyCollection, id) }

// Cohort logs a publish key (unix milliseconds) as both the raw key and its
// UTC instant.
func Cohort(key int64) Field {
	return func(e *zerolog.Event) {
		e.Int64(KeyCohort, key)
		e.Time(KeyCohort+"_at", time.UnixMilli(key).UTC())
	}
}

func Host(name string) Field { return String(KeyHost, name) }
func User(name string) Field { return String(KeyUser, name) }
