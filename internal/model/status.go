package model

import (
	"github.com/rotisserie/eris"
)

// JobStatus represents the overall state of a job.
type JobStatus string

const (
	JobStatusCreated JobStatus = "created"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusCreated, JobStatusRunning, JobStatusDone, JobStatusError:
		return true
	}
	return false
}

// ParseJobStatus converts s into a JobStatus, rejecting unknown values.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !st.Valid() {
		return "", eris.Errorf("model: unknown job status %q", s)
	}
	return st, nil
}

// ContactStatus represents the state of one contact within a job.
type ContactStatus string

const (
	ContactStatusQueued    ContactStatus = "queued"
	ContactStatusRunning   ContactStatus = "running"
	ContactStatusDuplicate ContactStatus = "duplicate"
	ContactStatusDone      ContactStatus = "done"
	ContactStatusError     ContactStatus = "error"
)

// Valid reports whether s is a known contact status.
func (s ContactStatus) Valid() bool {
	switch s {
	case ContactStatusQueued, ContactStatusRunning, ContactStatusDuplicate, ContactStatusDone, ContactStatusError:
		return true
	}
	return false
}

// Terminal reports whether no pipeline worker is acting on the contact.
func (s ContactStatus) Terminal() bool {
	return s == ContactStatusDone || s == ContactStatusError
}

// ParseContactStatus converts s into a ContactStatus, rejecting unknown values.
func ParseContactStatus(s string) (ContactStatus, error) {
	st := ContactStatus(s)
	if !st.Valid() {
		return "", eris.Errorf("model: unknown contact status %q", s)
	}
	return st, nil
}

// Step identifies a pipeline stage.
type Step string

const (
	StepUnknown Step = "unknown"
	StepBoard   Step = "step1"
	StepCRM     Step = "step2"
	StepSummary Step = "step3"
	StepRender  Step = "step4"
	StepWrite   Step = "write"
)

var stepRank = map[Step]int{
	StepUnknown: 0,
	StepBoard:   1,
	StepCRM:     2,
	StepSummary: 3,
	StepRender:  4,
	StepWrite:   5,
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	_, ok := stepRank[s]
	return ok
}

// Rank orders steps; later stages have higher ranks.
func (s Step) Rank() int {
	return stepRank[s]
}

// ParseStep converts s into a Step, rejecting unknown values.
func ParseStep(s string) (Step, error) {
	st := Step(s)
	if !st.Valid() {
		return "", eris.Errorf("model: unknown step %q", s)
	}
	return st, nil
}
