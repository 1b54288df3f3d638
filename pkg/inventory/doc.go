/*
Package inventory loads and filters the declarative node lists that drive
distributed runs.

Inventories are JSON or YAML files in one of several shapes: a flat list
under "nodes" or "gpu_nodes", an auto-detected list of host entries, or
the Kubernetes-specific "pods"/"node_selectors" shapes. Filtering applies
AND semantics across selector keys against the gpu_vendor field and node
labels.
*/
package inventory
