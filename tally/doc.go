// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package tally is the submission pipeline and its repair procedures.

# Submission

Service.Submit validates a form against the catalog and the reconcile
rules, creates the record (at most once per table), then runs three
independent steps concurrently:

	aggregate         additive delta, applied once per record
	station_progress  best effort counter
	evidence          best effort attachment writes

Only the create can fail a submission:

	ErrValidationFailed        *ValidationError with the reconcile result
	ErrAlreadyReported         the table already has a record
	ErrPersistenceUnavailable  the store could not be reached (retryable)

A failed step is returned in SubmissionResult.FailedSteps.

# Repair

DeltaRelay periodically applies deltas for records whose aggregate step
failed. Resyncer.Resync folds every record into a fresh aggregate and
replaces the stored one; Resyncer.Drift only reports the differences.
*/
package tally
