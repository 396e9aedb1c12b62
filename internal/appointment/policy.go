package appointment

import "fmt"

// Authorize decides whether actor may move appt to target. Pure decision
// table: the doctor on the record confirms and completes, the patient on the
// record cancels, nobody else does anything.
func Authorize(actor Actor, appt *Appointment, target Status) error {
	switch target {
	case StatusConfirmed, StatusCompleted:
		if actor.Role == RoleDoctor && actor.ID == appt.DoctorID {
			return nil
		}
	case StatusCancelled:
		if actor.Role == RolePatient && actor.ID == appt.PatientID {
			return nil
		}
	}
	return fmt.Errorf("%w: role=%s target=%s", ErrForbidden, actor.Role, target)
}

// AuthorizeDelete allows removal only by the patient who booked the record.
func AuthorizeDelete(actor Actor, appt *Appointment) error {
	if actor.Role == RolePatient && actor.ID == appt.PatientID {
		return nil
	}
	return fmt.Errorf("%w: only the booking patient may remove an appointment", ErrForbidden)
}

// AuthorizeBooking allows creation only by patients; the actor id becomes
// the record's PatientID.
func AuthorizeBooking(actor Actor) error {
	if actor.Role == RolePatient {
		return nil
	}
	return fmt.Errorf("%w: only patients may book appointments", ErrForbidden)
}
