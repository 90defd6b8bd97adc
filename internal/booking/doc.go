// Package booking owns the dentist calendar: the appointment ledger, slot
// derivation and the book/reschedule/cancel rules that keep a dentist's
// pending and confirmed appointments from overlapping.
package booking
