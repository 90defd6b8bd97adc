// Package patients links conversation keys to clinic patient records and
// tracks whether the patient has completed registration.
package patients
