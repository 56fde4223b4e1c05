package iv

import "errors"

// errNeedsMetadataIV is returned by Generate when the caller should have
// short-circuited via NeedsIVFromMetadata instead of asking for a fresh IV
// (random mode on the read path).
var errNeedsMetadataIV = errors.New("iv: mode requires IV from integrity metadata on read")
