package enrollment

import "errors"

// Sentinel errors for the enrollment service layer.
var (
	ErrAlreadyEnrolled   = errors.New("contact already enrolled in campaign")
	ErrRecentlyContacted = errors.New("contact was in this campaign within the dedupe window")
	ErrCampaignInactive  = errors.New("campaign is not active")
	ErrEmptyCampaign     = errors.New("campaign has no steps")
)
