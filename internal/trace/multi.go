package trace

import "errors"

// Tee copies every event to each of its tracers. Its own level is the
// finest level among them.
type Tee []Tracer

// Emit hands each tracer its own copy of ev.
func (t Tee) Emit(ev *Event) {
	for _, tr := range t {
		cp := *ev
		tr.Emit(&cp)
	}
}

func (t Tee) Flush() error {
	var errs []error
	for _, tr := range t {
		errs = append(errs, tr.Flush())
	}
	return errors.Join(errs...)
}

func (t Tee) Close() error {
	var errs []error
	for _, tr := range t {
		errs = append(errs, tr.Close())
	}
	return errors.Join(errs...)
}

func (t Tee) Level() Level {
	level := LevelOff
	for _, tr := range t {
		level = max(level, tr.Level())
	}
	return level
}

func (t Tee) Enabled() bool { return t.Level() > LevelOff }
