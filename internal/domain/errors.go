package domain

import "errors"

// ErrUnknownFeed is returned when a skeleton request names a feed this
// generator does not serve.
var ErrUnknownFeed = errors.New("unsupported algorithm")

// ErrRestrictedAccount is returned when the requester is not on the
// personalization whitelist.
var ErrRestrictedAccount = errors.New("account restricted")
