/******************************************************************************
 *
 *  Description :
 *
 *    Process-wide wiring, the same role the source repo's `globals`
 *    struct plays for its hub/cluster/session store references.
 *
 *****************************************************************************/

package main

var globals struct {
	coordinator *Coordinator
	registry    *ProviderRegistry
	broadcaster *ChangeBroadcaster
	identity    *Identity
}
