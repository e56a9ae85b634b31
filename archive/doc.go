// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package archive holds the pieces shared by every archive format:
// the [Archive] and [Entry] contracts, the transaction [Engine] that
// mediates edits through change objects, the [Tracker] of open part
// readers, and the [CopyPart] pipeline that stores new part data.
//
// An archive is scanned once when opened. Edits happen only inside a
// transaction: [Archive.StartTransaction] clones every entry into a change
// object, setters on an entry write to its change object, and
// [Archive.CommitTransaction] writes a complete new archive to a
// different stream before folding the change objects back into the
// originals. [Archive.CancelTransaction] throws the change objects away.
package archive
