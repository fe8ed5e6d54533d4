package fetcher

import "go.mongodb.org/mongo-driver/bson/primitive"

// validateBatch enforces continuity and ordering of a fetched batch
// against the locally-known frontier, rules evaluated strictly in order.
func validateBatch(
	docs Batch,
	isFirst bool,
	lastKnownTs OpTime,
	startingPoint StartingPoint,
	requireFresherSyncSource bool,
	requiredRBID int32,
	metadata ReplMetadata,
) (DocumentsInfo, Status) {
	// Rule 1: empty batch is allowed.
	if len(docs) == 0 {
		return DocumentsInfo{LastDocument: lastKnownTs}, OKStatus
	}

	firstOT, ok := optimeFromDoc(docs[0])
	if !ok {
		return DocumentsInfo{}, NewStatus(KindBadValue, nil, "first document in batch has no valid ts/t fields")
	}

	// Rule 2: first-batch continuity.
	if isFirst {
		if primitive.CompareTimestamp(firstOT.Timestamp, lastKnownTs.Timestamp) != 0 {
			return DocumentsInfo{}, NewStatus(KindOplogStartMissing, nil,
				"remote oplog no longer contains our frontier: first fetched ts %v != lastFetched ts %v",
				firstOT.Timestamp, lastKnownTs.Timestamp)
		}

		// Rule 3: fresher-source rule.
		if requireFresherSyncSource && len(docs) < 2 {
			return DocumentsInfo{}, NewStatus(KindInvalidSyncSource, nil,
				"sync source has no entries past our frontier %v", lastKnownTs)
		}

		// Rule 4: required RBID, first batch only.
		if metadata.RBID != requiredRBID {
			return DocumentsInfo{}, NewStatus(KindInvalidSyncSource, nil,
				"sync source RBID %d does not match required RBID %d: source has rolled back", metadata.RBID, requiredRBID)
		}
	}

	// Rules 5 & 6: strict monotonic ts, non-decreasing term, within batch.
	prevOT := firstOT
	networkBytes := int64(len(docs[0]))
	for i := 1; i < len(docs); i++ {
		ot, ok := optimeFromDoc(docs[i])
		if !ok {
			return DocumentsInfo{}, NewStatus(KindBadValue, nil, "document %d in batch has no valid ts/t fields", i)
		}
		if primitive.CompareTimestamp(ot.Timestamp, prevOT.Timestamp) <= 0 {
			return DocumentsInfo{}, NewStatus(KindOplogOutOfOrder, nil,
				"oplog entries out of order: ts %v did not strictly increase from %v", ot.Timestamp, prevOT.Timestamp)
		}
		if ot.Term < prevOT.Term {
			return DocumentsInfo{}, NewStatus(KindOplogOutOfOrder, nil,
				"oplog entries out of order: term %d decreased from %d", ot.Term, prevOT.Term)
		}
		networkBytes += int64(len(docs[i]))
		prevOT = ot
	}

	info := DocumentsInfo{
		NetworkDocCount: len(docs),
		NetworkDocBytes: networkBytes,
		LastDocument:    prevOT,
	}
	if isFirst && startingPoint == SkipFirstDoc {
		info.ToApplyDocCount = len(docs) - 1
		info.ToApplyDocBytes = networkBytes - int64(len(docs[0]))
	} else {
		info.ToApplyDocCount = len(docs)
		info.ToApplyDocBytes = networkBytes
	}
	return info, OKStatus
}

// toApplySlice returns the sub-slice of docs that should be handed to the
// enqueue callback, honoring the first-batch skip rule.
func toApplySlice(docs Batch, isFirst bool, startingPoint StartingPoint) Batch {
	if isFirst && startingPoint == SkipFirstDoc && len(docs) > 0 {
		return docs[1:]
	}
	return docs
}
