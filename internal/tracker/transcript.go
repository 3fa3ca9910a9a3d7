package tracker

import (
	"context"
	"time"
)

// NullRetryDelay and StaleRetryDelay implement spec.md §4.3's
// transcript-read retry policy: one 500ms retry when the read returns
// NULL (not yet flushed), one 300ms retry when it returns a value equal to
// the previously-stored response (stale). The two cases are mutually
// exclusive by precondition.
const (
	NullRetryDelay  = 500 * time.Millisecond
	StaleRetryDelay = 300 * time.Millisecond
)

// TranscriptReader reads the last assistant response recorded in a
// transcript file. It returns ("", true) for NULL/not-yet-present, and the
// response text otherwise.
type TranscriptReader func(ctx context.Context, transcriptPath string) (response string, isNull bool, err error)

// ReadLastResponse applies the bounded-retry policy from spec.md §4.3 on
// top of a raw TranscriptReader. previousResponse is the Tracker's
// previously-stored response for this target, used to detect staleness.
// When both retries exhaust, ok is false; the caller then chooses between
// spec.md §4.3's option (a) (defer the notification to the next hook event,
// if the target has pending-notification state) and option (b) (proceed
// without the response payload).
func ReadLastResponse(ctx context.Context, read TranscriptReader, transcriptPath, previousResponse string) (response string, ok bool, err error) {
	response, isNull, err := read(ctx, transcriptPath)
	if err != nil {
		return "", false, err
	}

	if isNull {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(NullRetryDelay):
		}
		response, isNull, err = read(ctx, transcriptPath)
		if err != nil {
			return "", false, err
		}
		if isNull {
			return "", false, nil
		}
		return response, true, nil
	}

	if response == previousResponse && previousResponse != "" {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(StaleRetryDelay):
		}
		response, isNull, err = read(ctx, transcriptPath)
		if err != nil {
			return "", false, err
		}
		if isNull || response == previousResponse {
			return "", false, nil
		}
		return response, true, nil
	}

	return response, true, nil
}
