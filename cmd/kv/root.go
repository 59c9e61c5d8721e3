package kv

import (
	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/common"
	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/engines/offheap"
	"github.com/ValentinKolb/rKV/lib/db/interop"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/lib/store/lstore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	database db.KVDB
	kvStore  store.IStore[string, []byte]

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:   "kv",
		Short: "Perform key-value operations on a map file",
		Long: `Attach to a map file and operate on it directly. The file may be in use by
"rkv serve" at the same time, writes made here are replicated by it.`,
		PersistentPreRunE:  openStore,
		PersistentPostRunE: closeStore,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupMapFlags(KeyValueCommands)

	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(putCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(infoCmd)
	KeyValueCommands.AddCommand(dumpCmd)
	KeyValueCommands.AddCommand(restoreCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// openStore attaches to (or creates) the map file
func openStore(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	conf, err := util.GetMapConfig()
	if err != nil {
		return err
	}
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	database, err = offheap.NewOffHeapDB(conf)
	if err != nil {
		return err
	}
	kvStore = lstore.NewLocalStore[string, []byte](database, interop.String{}, interop.Bytes{})
	return nil
}

func closeStore(_ *cobra.Command, _ []string) error {
	if kvStore == nil {
		return nil
	}
	return kvStore.Close()
}
