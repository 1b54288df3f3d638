// Package playbook is the declarative-playbook backend adapter. It
// requires the playbook and inventory to be rendered ahead of time and
// only drives their execution, mapping the play recap back onto the
// node inventory.
package playbook
