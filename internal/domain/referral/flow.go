package referral

// Flow is one of the mutually exclusive intake workflows chosen once
// per referral.
type Flow string

const (
	// FlowCreateRecordOnly creates a person record without opening a
	// case. Never chosen by SelectFlow directly; it is one of the two
	// options a human picks after FlowAskUser.
	FlowCreateRecordOnly Flow = "create_record_only"
	// FlowCreateRecordAndCase creates both a person record and a
	// case/episode.
	FlowCreateRecordAndCase Flow = "create_record_and_case"
	// FlowCreateCaseOnly opens a case against an existing record.
	FlowCreateCaseOnly Flow = "create_case_only"
	// FlowAskUser defers the record-only vs. both decision to a human.
	FlowAskUser Flow = "ask_user"
)

// SelectFlow decides which intake workflow applies. Pure and total;
// it consumes a previously obtained lookup result and never performs
// a lookup itself. It holds no state between invocations, so callers
// re-run it from scratch whenever the lookup result changes.
//
// Once a person record already exists only the case is new, so a
// found match short-circuits regardless of prescription completeness.
// Without a match, a complete prescription means both record and case
// get created. A web lead with no prescription is ambiguous and goes
// to a human; every other channel defaults to creating both, with
// staff expected to complete the data downstream.
func SelectFlow(match *ExternalRecord, hasPrescription bool, channel Channel) Flow {
	if match != nil {
		return FlowCreateCaseOnly
	}
	if hasPrescription {
		return FlowCreateRecordAndCase
	}
	if channel == ChannelWeb {
		return FlowAskUser
	}
	return FlowCreateRecordAndCase
}
