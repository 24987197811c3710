package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gwlsn/foldermerge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := store.Config()
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", store.Path(), data)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(store.Path())
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a merge setting",
	Long: `Change one of the merge settings and save the config file.

Examples:
  foldermerge config set image_duration 5
  foldermerge config set output_resolution 1080p
  foldermerge config set output_path_type fixed_folder
  foldermerge config set fixed_output_folder ~/Videos/merged`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setSetting(store, key, value); err != nil {
			return err
		}
		logger.Info().Str("key", key).Str("value", value).Msg("Setting saved")
		return nil
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default merge settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return store.Update(func(s *config.Settings) {
			*s = config.DefaultSettings()
		})
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd, configSetCmd, configResetCmd)
	rootCmd.AddCommand(configCmd)
}

// setSetting decodes value as YAML into the setting named key, so numbers
// and booleans keep their types.
func setSetting(st *config.Store, key, value string) error {
	keys, err := settingKeys(st.Snapshot())
	if err != nil {
		return err
	}
	if _, ok := keys[key]; !ok {
		names := make([]string, 0, len(keys))
		for k := range keys {
			names = append(names, k)
		}
		sort.Strings(names)
		return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(names, ", "))
	}

	node := &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: key},
			{Kind: yaml.ScalarNode, Value: value},
		},
	}
	next := st.Snapshot()
	if err := node.Decode(&next); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := st.Update(func(s *config.Settings) { *s = next }); err != nil {
		return err
	}
	if st.Path() == "" {
		fmt.Fprintln(os.Stderr, "warning: no config file, setting not persisted")
	}
	return nil
}

func settingKeys(s config.Settings) (map[string]any, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]any)
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}
