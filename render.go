package reservamail

// RenderedEmail is the output of the template layer, ready for transport.
type RenderedEmail struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer turns a job's typed payload into a deliverable message. The
// payload is the struct produced by the job type's tagged union:
// *ReservationPayload for the reservation kinds, *CustomPayload for custom
// messages. Implementations must be pure so render output is deterministic
// under test; template lookup failures are ordinary errors and ride the
// queue's retry path like any transport failure.
type Renderer interface {
	Render(jobType JobType, payload any) (*RenderedEmail, error)
}
