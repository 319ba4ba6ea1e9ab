// Package threads maps guest thread ids to join state.
//
// Manager is the native-host variant: one mutex-guarded map with blocking
// joins over per-record one-shot channels. AsyncManager serves event-driven
// hosts that cannot block on join; it trades the blocking channel for three
// maps (running, terminated, pending-join) and handles each join/terminate
// race explicitly. Both share the same registration contract: RegisterNew
// yields monotonically increasing, never-reused ids, and a join on an
// unknown id fails with UnknownThread.
package threads
