/******************************************************************************
 *
 *  Description :
 *
 *    Group id generation via a snowflake-style distributed id generator,
 *    the same role the source repo's worker-id-keyed id generator plays
 *    for cluster-unique topic and message ids, generalized here to a
 *    single process minting group ids.
 *
 *****************************************************************************/

package main

import (
	"github.com/tinode/snowflake"

	t "github.com/fleetdesk/broker/server/store/types"
)

var gidGen *snowflake.IdGenerator

func initGidGen(workerID uint) error {
	gen, err := snowflake.NewIdGenerator(uint32(workerID))
	if err != nil {
		return err
	}
	gidGen = gen
	return nil
}

// newGid mints a new, process-unique group id.
func newGid() string {
	return "grp" + t.Uid(uint64(gidGen.Get())).String()
}
